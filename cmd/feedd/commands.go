package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/MrBurberry/huginn/internal/eventbus"
	"github.com/MrBurberry/huginn/internal/feed"
)

func buildAgentsCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agents",
		Short: "Manage data output agents",
	}
	cmd.AddCommand(
		buildAgentsCreateCmd(configPath),
		buildAgentsListCmd(configPath),
		buildAgentsValidateCmd(),
	)
	return cmd
}

func buildAgentsCreateCmd(configPath *string) *cobra.Command {
	var userID, name, optionsPath string
	var sources []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an agent from an option document",
		Example: `  feedd agents create --user u1 --name "Podcast" --options podcast.json --source 7f3c...
  cat options.json | feedd agents create --user u1 --name News --options -`,
		RunE: func(cmd *cobra.Command, args []string) error {
			options, err := readOptions(cmd.InOrStdin(), optionsPath)
			if err != nil {
				return err
			}
			if err := feed.ValidateOptions(options); err != nil {
				return err
			}

			a, err := openApp(*configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := cmd.Context()
			agent, err := a.store.CreateAgent(ctx, userID, name, options)
			if err != nil {
				return err
			}
			for _, source := range sources {
				if err := a.store.AddSource(ctx, agent.ID, source); err != nil {
					return err
				}
			}
			fmt.Fprintln(cmd.OutOrStdout(), agent.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "Owning user id")
	cmd.Flags().StringVar(&name, "name", "", "Agent name")
	cmd.Flags().StringVar(&optionsPath, "options", "", "Option document file, or - for stdin")
	cmd.Flags().StringSliceVar(&sources, "source", nil, "Source agent id (repeatable)")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("options")
	return cmd
}

func buildAgentsListCmd(configPath *string) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List agents with their feed URLs",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(*configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := cmd.Context()
			agents, err := a.store.ListAgents(ctx, limit)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tWORKING\tFEED")
			for _, agent := range agents {
				working, err := a.feeds.Working(ctx, agent.ID)
				if err != nil {
					a.logger.Warn("agent status unavailable", "agent_id", agent.ID, "error", err)
				}
				feedURL := "-"
				if opts, err := a.feeds.Options(agent); err == nil && len(opts.Secrets) > 0 {
					feedURL = "https://" + a.cfg.Domain + feed.FeedPath(agent.UserID, agent.ID, opts.Secrets[0], feed.FormatXML)
				}
				fmt.Fprintf(tw, "%s\t%s\t%t\t%s\n", agent.ID, agent.Name, working, feedURL)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum number of agents")
	return cmd
}

func buildAgentsValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <options.json|->",
		Short: "Check an option document without saving it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			options, err := readOptions(cmd.InOrStdin(), args[0])
			if err != nil {
				return err
			}
			err = feed.ValidateOptions(options)
			var verr *feed.ValidationError
			if errors.As(err, &verr) {
				for _, p := range verr.Problems {
					fmt.Fprintln(cmd.OutOrStdout(), "- "+p)
				}
				return fmt.Errorf("%d problem(s) found", len(verr.Problems))
			}
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "options are valid")
			return nil
		},
	}
}

func buildEventsCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Feed events into the daemon's store",
	}
	cmd.AddCommand(buildEventsPushCmd(configPath))
	return cmd
}

func buildEventsPushCmd(configPath *string) *cobra.Command {
	var agentID, payload, publishedAt string
	cmd := &cobra.Command{
		Use:     "push",
		Short:   "Store an event of a source agent and refresh its receivers",
		Example: `  feedd events push --agent src-1 --payload '{"title":"Hello","url":"https://example.com"}'`,
		RunE: func(cmd *cobra.Command, args []string) error {
			input := eventbus.EventInput{AgentID: agentID}
			if err := json.Unmarshal([]byte(payload), &input.Payload); err != nil {
				return fmt.Errorf("payload must be a JSON object: %w", err)
			}
			if publishedAt != "" {
				t, err := time.Parse(time.RFC3339, publishedAt)
				if err != nil {
					return fmt.Errorf("published-at: %w", err)
				}
				input.PublishedAt = &t
			}

			a, err := openApp(*configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := cmd.Context()
			evt, err := a.bus.Push(ctx, input)
			if err != nil {
				return err
			}
			delivered, err := a.feeds.Deliver(ctx, evt)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "event %d delivered to %d agent(s)\n", evt.ID, len(delivered))
			return nil
		},
	}
	cmd.Flags().StringVar(&agentID, "agent", "", "Source agent id")
	cmd.Flags().StringVar(&payload, "payload", "{}", "Event payload as a JSON object")
	cmd.Flags().StringVar(&publishedAt, "published-at", "", "Publication time (RFC 3339)")
	_ = cmd.MarkFlagRequired("agent")
	return cmd
}

func readOptions(stdin io.Reader, path string) (string, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return "", fmt.Errorf("read options: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}
