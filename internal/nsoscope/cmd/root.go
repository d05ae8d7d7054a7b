package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	pathpkg "path/filepath"
	"runtime/pprof"

	tea "github.com/charmbracelet/bubbletea/v2"
	"github.com/charmbracelet/fang"
	"github.com/charmbracelet/x/term"
	"github.com/spf13/cobra"

	"nsoscope/internal/facade"
	"nsoscope/internal/nsoscope/log"
	"nsoscope/internal/snapshot"
)

func init() {
	rootCmd.PersistentFlags().StringP("cwd", "c", "", "Current working directory")
	rootCmd.PersistentFlags().StringP("data-dir", "D", "", "Custom snapshot directory")
	rootCmd.PersistentFlags().BoolP("debug", "d", false, "Debug logging")

	rootCmd.Flags().BoolP("no-tui", "n", false, "Show summary without TUI")
	rootCmd.Flags().BoolP("full", "f", false, "Show full pseudocode listing (use with --no-tui)")
	rootCmd.Flags().BoolP("json", "j", false, "Output analysis summary as JSON")
	rootCmd.Flags().String("export", "", "Export functions, strings and pseudocode to this directory")
	rootCmd.Flags().Bool("fresh", false, "Ignore any saved snapshot and re-run analysis")
	rootCmd.Flags().String("cpuprofile", "", "Write CPU profile to file")
	rootCmd.Flags().String("memprofile", "", "Write memory profile to file")
}

var rootCmd = &cobra.Command{
	Use:   "nsoscope [file]",
	Short: "Terminal-based Nintendo Switch NSO static analyzer",
	Long: `nsoscope loads a Nintendo Switch NSO executable, recovers its functions,
strings and cross-references, and lets you browse the result in an
interactive TUI or export it as text and JSON.`,
	Example: `
# Run in interactive mode on an NSO
nsoscope main.nso

# Run with debug logging
nsoscope -d main.nso

# Print a JSON summary instead of the TUI
nsoscope --json main.nso
  `,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if debug, _ := cmd.Flags().GetBool("debug"); debug {
			log.Setup("", true)
		}

		if cpuprofile, _ := cmd.Flags().GetString("cpuprofile"); cpuprofile != "" {
			f, err := os.Create(cpuprofile)
			if err != nil {
				return fmt.Errorf("could not create CPU profile: %w", err)
			}
			defer f.Close()
			if err := pprof.StartCPUProfile(f); err != nil {
				return fmt.Errorf("could not start CPU profile: %w", err)
			}
			defer pprof.StopCPUProfile()
		}

		if memprofile, _ := cmd.Flags().GetString("memprofile"); memprofile != "" {
			defer func() {
				f, err := os.Create(memprofile)
				if err != nil {
					fmt.Fprintf(os.Stderr, "could not create memory profile: %v\n", err)
					return
				}
				defer f.Close()
				if err := pprof.WriteHeapProfile(f); err != nil {
					fmt.Fprintf(os.Stderr, "could not write memory profile: %v\n", err)
				}
			}()
		}

		absPath, err := pathpkg.Abs(args[0])
		if err != nil {
			return fmt.Errorf("failed to resolve path: %w", err)
		}
		if _, err := os.Stat(absPath); err != nil {
			if os.IsNotExist(err) {
				return fmt.Errorf("file not found: %s", args[0])
			}
			return fmt.Errorf("cannot access file: %w", err)
		}

		store, err := snapshot.NewStore()
		if err != nil {
			return fmt.Errorf("failed to open snapshot store: %w", err)
		}
		if dataDir, _ := cmd.Flags().GetString("data-dir"); dataDir != "" {
			store.SetBaseDir(dataDir)
		}

		fresh, _ := cmd.Flags().GetBool("fresh")
		az, err := loadAndAnalyze(store, absPath, fresh)
		if err != nil {
			return err
		}

		noTUI, _ := cmd.Flags().GetBool("no-tui")
		showFull, _ := cmd.Flags().GetBool("full")
		jsonOutput, _ := cmd.Flags().GetBool("json")
		exportDir, _ := cmd.Flags().GetString("export")

		if showFull {
			noTUI = true
		}
		if !term.IsTerminal(os.Stdout.Fd()) {
			noTUI = true
			os.Setenv("NSOSCOPE_NO_COLOR", "1")
		}
		if noTUI {
			os.Setenv("NSOSCOPE_NO_COLOR", "1")
		}

		if exportDir != "" {
			if err := runExport(az, exportDir); err != nil {
				return err
			}
		}

		if jsonOutput {
			return runJSON(az)
		}

		if noTUI {
			return runNoTUI(az, showFull)
		}

		if exportDir != "" {
			return nil
		}

		program := tea.NewProgram(
			NewModel(az),
			tea.WithAltScreen(),
			tea.WithContext(cmd.Context()),
		)
		if _, err := program.Run(); err != nil {
			return fmt.Errorf("TUI error: %w", err)
		}
		return nil
	},
}

// loadAndAnalyze opens the NSO at path and either restores a prior
// snapshot for its build ID or runs the full discovery pipeline and
// persists the result for next time.
func loadAndAnalyze(store *snapshot.Store, path string, fresh bool) (*facade.Analyzer, error) {
	az := facade.New(store)
	if err := az.LoadNso(path); err != nil {
		return nil, err
	}
	buildID, err := az.BuildID()
	if err == nil && !fresh && store.Has(buildID) {
		if loadErr := az.Load(); loadErr == nil {
			return az, nil
		}
	}
	if err := az.Analyze(); err != nil {
		return nil, fmt.Errorf("analysis failed: %w", err)
	}
	if err := az.Save(); err != nil {
		fmt.Fprintf(os.Stderr, "warning: could not save snapshot: %v\n", err)
	}
	return az, nil
}

func runJSON(az *facade.Analyzer) error {
	funcs, err := az.Functions()
	if err != nil {
		return err
	}
	buildID, _ := az.BuildID()

	type funcJSON struct {
		Address  string `json:"address"`
		Name     string `json:"name"`
		Size     uint64 `json:"size"`
		Leaf     bool   `json:"leaf"`
		Thunk    bool   `json:"thunk"`
		Noreturn bool   `json:"noreturn"`
	}
	out := struct {
		BuildID   string     `json:"buildId"`
		Functions []funcJSON `json:"functions"`
	}{BuildID: buildID}

	for _, fn := range funcs {
		out.Functions = append(out.Functions, funcJSON{
			Address:  fmt.Sprintf("0x%X", fn.Address),
			Name:     fn.Name,
			Size:     fn.Size,
			Leaf:     fn.IsLeaf,
			Thunk:    fn.IsThunk,
			Noreturn: fn.IsNoreturn,
		})
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func runNoTUI(az *facade.Analyzer, full bool) error {
	buildID, _ := az.BuildID()
	funcs, err := az.Functions()
	if err != nil {
		return err
	}
	fmt.Printf("build id: %s\n", buildID)
	fmt.Printf("functions: %d\n\n", len(funcs))

	for _, fn := range funcs {
		fmt.Printf("0x%X  %-40s size=%-6d leaf=%-5v thunk=%-5v noreturn=%v\n",
			fn.Address, fn.Name, fn.Size, fn.IsLeaf, fn.IsThunk, fn.IsNoreturn)
		if full {
			code, err := az.PseudocodeAt(fn.Address)
			if err == nil {
				fmt.Println(code)
			}
		}
	}
	return nil
}

func runExport(az *facade.Analyzer, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create export directory: %w", err)
	}
	if err := az.ExportFunctions(pathpkg.Join(dir, "functions.txt")); err != nil {
		return fmt.Errorf("failed to export functions: %w", err)
	}
	if err := az.ExportStrings(pathpkg.Join(dir, "strings.txt")); err != nil {
		return fmt.Errorf("failed to export strings: %w", err)
	}
	if err := az.ExportTextDump(pathpkg.Join(dir, "pseudocode.txt")); err != nil {
		return fmt.Errorf("failed to export pseudocode: %w", err)
	}
	return nil
}

// Execute runs the root command, using fang for enhanced CLI rendering
// when attached to a terminal and falling back to plain cobra otherwise
// so piped output stays free of markdown decoration.
func Execute() {
	noTUI := false
	for _, arg := range os.Args[1:] {
		if arg == "--no-tui" || arg == "-n" || arg == "--full" || arg == "-f" || arg == "--json" || arg == "-j" {
			noTUI = true
			break
		}
	}
	if !noTUI && !term.IsTerminal(os.Stdout.Fd()) {
		noTUI = true
	}

	if noTUI {
		if err := rootCmd.Execute(); err != nil {
			os.Exit(1)
		}
		return
	}

	if err := fang.Execute(
		context.Background(),
		rootCmd,
		fang.WithNotifySignal(os.Interrupt),
	); err != nil {
		os.Exit(1)
	}
}
