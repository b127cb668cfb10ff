package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/quorumlab/electorate"
	"github.com/quorumlab/electorate/pkg/config"
	"github.com/quorumlab/electorate/pkg/log"
	"github.com/quorumlab/electorate/pkg/model"
)

func runCmd() *cobra.Command {
	var (
		nodes       int
		algorithm   string
		script      string
		duration    time.Duration
		metricsAddr string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run an election simulation",
		Long:  "Start a simulated cluster, elect a leader and apply an optional fault script",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("nodes") {
				cfg.Cluster.Nodes = nodes
			}
			if cmd.Flags().Changed("algorithm") {
				cfg.Cluster.Algorithm = algorithm
			}

			logger, err := log.New(cfg.Logging.Level, cfg.Logging.Format)
			if err != nil {
				return err
			}

			events, err := parseScript(script)
			if err != nil {
				return err
			}

			system, err := electorate.New(cfg, logger)
			if err != nil {
				return err
			}
			defer system.Close()

			if metricsAddr != "" {
				mux := http.NewServeMux()
				mux.Handle("/metrics", system.MetricsHandler())
				go func() {
					if err := http.ListenAndServe(metricsAddr, mux); err != nil {
						logger.Error("metrics server stopped", "error", err.Error())
					}
				}()
			}

			system.Start()
			coord := system.Cluster()

			for _, ev := range events {
				ev := ev
				time.AfterFunc(ev.at, func() {
					var err error
					switch ev.action {
					case "kill":
						err = coord.KillNode(ev.node)
					case "revive":
						err = coord.ReviveNode(ev.node)
					}
					if err != nil {
						logger.Error("script event failed", "action", ev.action, "node", ev.node, "error", err.Error())
					}
				})
			}

			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

			ticker := time.NewTicker(time.Second)
			defer ticker.Stop()
			deadline := time.After(duration)
			for {
				select {
				case <-ticker.C:
					leader, hasLeader := coord.Leader()
					printStatus(coord.Statistics(), leader, hasLeader)
				case <-sigChan:
					logger.Info("interrupted")
					return nil
				case <-deadline:
					logger.Info("simulation finished")
					return nil
				}
			}
		},
	}

	cmd.Flags().IntVar(&nodes, "nodes", 5, "Number of simulated nodes")
	cmd.Flags().StringVar(&algorithm, "algorithm", "raft", "Election algorithm: raft or bully")
	cmd.Flags().StringVar(&script, "script", "", "Fault script, e.g. kill:2@3s,revive:2@8s")
	cmd.Flags().DurationVar(&duration, "duration", 30*time.Second, "Simulation duration")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Address to serve Prometheus metrics on, empty disables")
	return cmd
}

type scriptEvent struct {
	action string
	node   int
	at     time.Duration
}

// parseScript parses a comma-separated fault script. Each entry has the
// form action:node@offset, e.g. kill:2@3s.
func parseScript(script string) ([]scriptEvent, error) {
	if script == "" {
		return nil, nil
	}
	var events []scriptEvent
	for _, entry := range strings.Split(script, ",") {
		entry = strings.TrimSpace(entry)
		action, rest, ok := strings.Cut(entry, ":")
		if !ok {
			return nil, fmt.Errorf("invalid script entry %q", entry)
		}
		if action != "kill" && action != "revive" {
			return nil, fmt.Errorf("unknown script action %q", action)
		}
		nodeStr, offsetStr, ok := strings.Cut(rest, "@")
		if !ok {
			return nil, fmt.Errorf("invalid script entry %q", entry)
		}
		node, err := strconv.Atoi(nodeStr)
		if err != nil {
			return nil, fmt.Errorf("invalid node id in %q: %w", entry, err)
		}
		offset, err := time.ParseDuration(offsetStr)
		if err != nil {
			return nil, fmt.Errorf("invalid offset in %q: %w", entry, err)
		}
		events = append(events, scriptEvent{action: action, node: node, at: offset})
	}
	return events, nil
}

func printStatus(stats model.ClusterStatistics, leader model.NodeInfo, hasLeader bool) {
	leaderStr := "none"
	if hasLeader {
		leaderStr = strconv.Itoa(leader.ID)
	}
	fmt.Printf("term=%d alive=%d/%d leader=%s followers=%d candidates=%d\n",
		stats.Term, stats.Alive, stats.Total, leaderStr,
		stats.Roles[model.RoleFollower], stats.Roles[model.RoleCandidate])
}
