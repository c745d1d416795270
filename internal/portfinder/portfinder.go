// Package portfinder probes local ports for availability. Sessions do not use
// it; their own port search paces through a fixed range.
package portfinder

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const (
	MinPort = 1
	MaxPort = 65535

	defaultWorkers = 32
)

var (
	ErrInvalidPortRange = errors.New("portfinder: invalid port range")
	ErrNoAvailablePort  = errors.New("portfinder: no available port")
)

// Finder probes ports on Host. A port is available when both a TCP listener
// and a UDP socket can bind it.
type Finder struct {
	Host    string
	Workers int
}

func New() *Finder {
	return &Finder{Workers: defaultWorkers}
}

var defaultFinder = New()

func Available(port int) bool                    { return defaultFinder.Available(port) }
func NextAvailable(from int) (int, error)        { return defaultFinder.NextAvailable(from) }
func AvailablePorts(from, to int) ([]int, error) { return defaultFinder.AvailablePorts(context.Background(), from, to) }

func (f *Finder) Available(port int) bool {
	if port < MinPort || port > MaxPort {
		return false
	}
	addr := net.JoinHostPort(f.Host, strconv.Itoa(port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return false
	}
	defer ln.Close()
	pc, err := net.ListenPacket("udp", addr)
	if err != nil {
		return false
	}
	_ = pc.Close()
	return true
}

// NextAvailable returns the first available port at or above from.
func (f *Finder) NextAvailable(from int) (int, error) {
	if from < MinPort || from > MaxPort {
		return 0, fmt.Errorf("%w: start %d outside %d..%d", ErrInvalidPortRange, from, MinPort, MaxPort)
	}
	for port := from; port <= MaxPort; port++ {
		if f.Available(port) {
			return port, nil
		}
	}
	return 0, fmt.Errorf("%w: none at or above %d", ErrNoAvailablePort, from)
}

// AvailablePorts probes from..to inclusive concurrently and returns the
// available ports in ascending order.
func (f *Finder) AvailablePorts(ctx context.Context, from, to int) ([]int, error) {
	if from < MinPort || to > MaxPort || from > to {
		return nil, fmt.Errorf("%w: %d..%d", ErrInvalidPortRange, from, to)
	}
	workers := f.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	var (
		mu    sync.Mutex
		found []int
	)
	for port := from; port <= to; port++ {
		if gctx.Err() != nil {
			break
		}
		port := port
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			if f.Available(port) {
				mu.Lock()
				found = append(found, port)
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sort.Ints(found)
	log.Debug().Int("from", from).Int("to", to).Int("available", len(found)).Msg("portfinder scan complete")
	return found, nil
}
