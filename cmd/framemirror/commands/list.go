package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/bryanchriswhite/FrameMirror/internal/capture"
	"github.com/bryanchriswhite/FrameMirror/internal/window"
	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List capture targets",
	Long: `List the monitors and application windows that can be mirrored.

The TARGET column is the value accepted by 'framemirror run --target' and by
the control API.`,
	Example: `  # List targets in table format (default)
  framemirror list

  # List targets in JSON format
  framemirror list --format json

  # List only monitors
  framemirror list --monitors

  # Show the currently focused window
  framemirror list --current`,
	RunE: runList,
}

var (
	listFormat   string
	listMonitors bool
	listCurrent  bool
)

func init() {
	rootCmd.AddCommand(listCmd)

	listCmd.Flags().StringVarP(&listFormat, "format", "f", "table", "output format (table or json)")
	listCmd.Flags().BoolVarP(&listMonitors, "monitors", "m", false, "show only monitors")
	listCmd.Flags().BoolVarP(&listCurrent, "current", "c", false, "show current focused window")
}

func runList(cmd *cobra.Command, args []string) error {
	_, cfg, err := loadConfig()
	if err != nil {
		return err
	}

	discovery, err := newDiscovery(cfg)
	if err != nil {
		return fmt.Errorf("failed to connect to display server: %w", err)
	}
	if discovery == nil {
		fmt.Println("The synthetic source has a single target: monitor:0")
		return nil
	}
	defer discovery.Backend().Close()

	if listCurrent {
		return showCurrentWindow(discovery.Backend())
	}

	var targets []capture.Target
	if listMonitors {
		targets, err = discovery.Monitors()
	} else {
		targets, err = discovery.Targets()
	}
	if err != nil {
		return fmt.Errorf("failed to list targets: %w", err)
	}

	switch listFormat {
	case "json":
		return outputJSON(targets)
	case "table":
		return outputTable(targets)
	default:
		return fmt.Errorf("unsupported format: %s (use 'table' or 'json')", listFormat)
	}
}

func outputJSON(targets []capture.Target) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(targets)
}

func outputTable(targets []capture.Target) error {
	if len(targets) == 0 {
		fmt.Println("No capture targets found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer w.Flush()

	fmt.Fprintln(w, "TARGET\tNAME\tGEOMETRY")
	fmt.Fprintln(w, "------\t----\t--------")
	for _, t := range targets {
		name := t.Name
		if len(name) > 50 {
			name = name[:47] + "..."
		}
		r := t.Rect
		fmt.Fprintf(w, "%s\t%s\t%dx%d+%d+%d\n", t, name, r.Dx(), r.Dy(), r.Min.X, r.Min.Y)
	}
	return nil
}

// focusedWindowBackend is implemented by backends that track input focus
type focusedWindowBackend interface {
	GetFocusedWindow() (window.Info, error)
}

func showCurrentWindow(backend window.Backend) error {
	fb, ok := backend.(focusedWindowBackend)
	if !ok {
		return fmt.Errorf("the %s backend does not track the focused window", backend.Name())
	}

	info, err := fb.GetFocusedWindow()
	if err != nil {
		return fmt.Errorf("failed to get current window: %w", err)
	}

	if listFormat == "json" {
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(info)
	}

	fmt.Println("Current Focused Window:")
	fmt.Printf("  Target:   %s\n", info.Target())
	fmt.Printf("  Title:    %s\n", info.Title)
	fmt.Printf("  Class:    %s\n", info.Class)
	fmt.Printf("  PID:      %d\n", info.PID)
	g := info.Geometry
	fmt.Printf("  Geometry: %dx%d+%d+%d\n", g.Dx(), g.Dy(), g.Min.X, g.Min.Y)
	return nil
}
