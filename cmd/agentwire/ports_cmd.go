package main

import (
	"encoding/json"
	"fmt"

	"github.com/danmuck/agentwire/internal/portfinder"
	"github.com/danmuck/agentwire/internal/protocol/session"
	"github.com/spf13/cobra"
)

type portsReport struct {
	Host      string `json:"host"`
	From      int    `json:"from"`
	To        int    `json:"to"`
	Paced     bool   `json:"paced"`
	Available []int  `json:"available"`
}

func newPortsCmd() *cobra.Command {
	var (
		host    string
		from    int
		to      int
		workers int
		paced   bool
		asJSON  bool
	)
	cmd := &cobra.Command{
		Use:   "ports",
		Short: "List local ports free for a remote client to bind",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			finder := portfinder.New()
			finder.Host = host
			if workers > 0 {
				finder.Workers = workers
			}
			found, err := finder.AvailablePorts(cmd.Context(), from, to)
			if err != nil {
				return err
			}
			if paced {
				found = onPace(found, from)
			}
			if found == nil {
				found = []int{}
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(portsReport{Host: host, From: from, To: to, Paced: paced, Available: found})
			}
			for _, port := range found {
				fmt.Fprintln(out, port)
			}
			return nil
		},
	}
	fs := cmd.Flags()
	fs.StringVar(&host, "host", "", "host to probe (default all interfaces)")
	fs.IntVar(&from, "from", session.DefaultRemotePort, "first port")
	fs.IntVar(&to, "to", session.MaxServerPort, "last port")
	fs.IntVar(&workers, "workers", 0, "concurrent probes")
	fs.BoolVar(&paced, "pace", false, "only ports a session search visits from --from")
	fs.BoolVar(&asJSON, "json", false, "print a JSON report")
	return cmd
}

// onPace keeps the ports a session reaches by stepping session.PortPace from start.
func onPace(ports []int, start int) []int {
	var kept []int
	for _, port := range ports {
		if (port-start)%session.PortPace == 0 {
			kept = append(kept, port)
		}
	}
	return kept
}
