package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/maestro-ai/maestro/internal/core"
)

var (
	eventsProjectName string
	eventsSince       time.Duration
	eventsPriority    string
	eventsLimit       int
	eventsJSON        bool
)

var eventsCmd = &cobra.Command{
	Use:   "events [project-dir]",
	Short: "Show recent workflow events",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := ""
		if len(args) > 0 {
			dir = args[0]
		}
		name, projectDir, err := resolveProject(eventsProjectName, dir)
		if err != nil {
			return err
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		store, err := openStore(cfg, projectDir)
		if err != nil {
			return err
		}
		defer store.Close()

		since := time.Now().Add(-eventsSince)
		minPriority := core.EventPriority(eventsPriority)
		if minPriority == "" {
			minPriority = core.PriorityLow
		}
		events, err := store.QueryEvents(cmd.Context(), name, since, minPriority, eventsLimit)
		if err != nil {
			return err
		}

		if eventsJSON {
			return outputJSON(events)
		}
		if len(events) == 0 {
			fmt.Println("No events.")
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "TIME\tPRIORITY\tEVENT\tNODE\tTASK")
		for _, ev := range events {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				ev.Timestamp.Format("15:04:05"), ev.Priority, ev.EventType, ev.NodeName, ev.TaskID)
		}
		return w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(eventsCmd)
	eventsCmd.Flags().StringVar(&eventsProjectName, "name", "", "project name (default: directory name)")
	eventsCmd.Flags().DurationVar(&eventsSince, "since", 24*time.Hour, "how far back to look")
	eventsCmd.Flags().StringVar(&eventsPriority, "priority", "", "minimum priority: low, medium, high")
	eventsCmd.Flags().IntVar(&eventsLimit, "limit", 100, "maximum events to show")
	eventsCmd.Flags().BoolVar(&eventsJSON, "json", false, "output JSON")
}
