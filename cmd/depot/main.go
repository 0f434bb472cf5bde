// cmd/depot/main.go
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"depot/internal/cache"
	"depot/internal/config"
	"depot/internal/install"
	"depot/internal/logging"
	"depot/internal/manifest"
	"depot/internal/resume"

	"github.com/dgraph-io/badger/v4"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var logger, _ = zap.NewDevelopment()

var rootCmd = &cobra.Command{
	Use:   "depot",
	Short: "Depot resolves content-addressed chunks for incremental installs",
	Long: `Depot is the chunk-resolution core of an incremental build installer.
Given current and target content manifests it works out which chunks are
needed, which are already on disk, and which files must be rebuilt,
removed, or repaired.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level, _ := cmd.Flags().GetString("log-level")
		l, err := logging.NewLogger(level)
		if err != nil {
			return fmt.Errorf("initializing logger: %w", err)
		}
		logger = l.Logger
		return nil
	},
}

func loadManifest(path string) (*manifest.ContentManifest, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading manifest %s: %w", path, err)
	}
	var m manifest.ContentManifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing manifest %s: %w", path, err)
	}
	return &m, nil
}

func parseKind(s string) (install.Kind, error) {
	switch strings.ToLower(s) {
	case "install":
		return install.KindInstall, nil
	case "update":
		return install.KindUpdate, nil
	case "repair":
		return install.KindRepair, nil
	case "uninstall":
		return install.KindUninstall, nil
	default:
		return 0, fmt.Errorf("unknown action kind %q", s)
	}
}

// setFromFlags builds the single action described by the shared command
// flags and aggregates it into a manifest set.
func setFromFlags(cmd *cobra.Command) (*install.ManifestSet, error) {
	kindStr, _ := cmd.Flags().GetString("kind")
	currentPath, _ := cmd.Flags().GetString("current")
	targetPath, _ := cmd.Flags().GetString("target")
	subdir, _ := cmd.Flags().GetString("subdir")
	tags, _ := cmd.Flags().GetStringSlice("tag")

	kind, err := parseKind(kindStr)
	if err != nil {
		return nil, err
	}

	current, err := loadManifest(currentPath)
	if err != nil {
		return nil, err
	}
	target, err := loadManifest(targetPath)
	if err != nil {
		return nil, err
	}

	var tagged map[string]struct{}
	if len(tags) > 0 {
		tagged = make(map[string]struct{}, len(tags))
		for _, t := range tags {
			tagged[t] = struct{}{}
		}
	}

	action := install.Action{
		Kind:          kind,
		Current:       current,
		Target:        target,
		InstallSubdir: subdir,
		TaggedFiles:   tagged,
	}

	return install.NewManifestSet([]install.Action{action}, install.Options{Logger: logger})
}

func addActionFlags(cmd *cobra.Command) {
	cmd.Flags().String("kind", "install", "Action kind: install, update, repair, uninstall")
	cmd.Flags().String("current", "", "Path to the current (deployed) manifest JSON")
	cmd.Flags().String("target", "", "Path to the target manifest JSON")
	cmd.Flags().String("subdir", "", "Install subdirectory for the action")
	cmd.Flags().StringSlice("tag", nil, "Tagged file to materialize (repeatable; default all)")
}

// cacheSettings resolves the cache location from flags, falling back to
// the config file when one is given.
func cacheSettings(cmd *cobra.Command) (string, int, error) {
	dir, _ := cmd.Flags().GetString("dir")
	configPath, _ := cmd.Flags().GetString("config")

	size := 16
	if configPath != "" {
		cfg, err := config.Load(configPath)
		if err != nil {
			return "", 0, fmt.Errorf("loading config %s: %w", configPath, err)
		}
		if cfg.Cache.Dir != "" && !cmd.Flags().Changed("dir") {
			dir = cfg.Cache.Dir
		}
		if cfg.Cache.Size > 0 {
			size = cfg.Cache.Size
		}
	}
	return dir, size, nil
}

func openCacheStore(dir string, cacheSize int) (*badger.DB, *cache.Store, error) {
	opts := badger.DefaultOptions(filepath.Join(dir, "db"))
	opts.Logger = nil // Disable logging noise

	db, err := badger.Open(opts)
	if err != nil {
		return nil, nil, fmt.Errorf("opening cache database: %w", err)
	}

	store, err := cache.New(db, cache.Options{
		Root:      filepath.Join(dir, "content"),
		CacheSize: cacheSize,
	})
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("initializing chunk cache: %w", err)
	}
	return db, store, nil
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "info", "Log level: debug, info, warn, error")

	var planCmd = &cobra.Command{
		Use:   "plan",
		Short: "Resolve chunk requirements for an action",
		Long:  `Builds the manifest set for one action and reports what the run would need: referenced chunks, download size, outdated and removable files.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			set, err := setFromFlags(cmd)
			if err != nil {
				return fmt.Errorf("building manifest set: %w", err)
			}

			root, _ := cmd.Flags().GetString("root")

			green := color.New(color.FgGreen).SprintFunc()
			yellow := color.New(color.FgYellow).SprintFunc()
			red := color.New(color.FgRed).SprintFunc()

			referenced := set.ReferencedChunks()
			ids := make([]manifest.ChunkID, 0, len(referenced))
			for id := range referenced {
				ids = append(ids, id)
			}

			fmt.Printf("Files to produce:   %s\n", green(len(set.NewFilePaths())))
			fmt.Printf("Referenced chunks:  %s\n", green(len(referenced)))
			fmt.Printf("Download size:      %s bytes\n", green(set.DownloadSize(ids...)))
			fmt.Printf("Removable files:    %s\n", yellow(len(set.RemovableFiles())))

			if root != "" {
				outdated, err := set.OutdatedFiles(root)
				if err != nil {
					return fmt.Errorf("checking outdated files: %w", err)
				}
				fmt.Printf("Outdated files:     %s\n", red(len(outdated)))
			}

			for _, p := range set.PrereqInfo() {
				fmt.Printf("Prerequisite:       %s (%s)\n", p.Name, p.VersionString)
			}

			if set.ContainsUpdate() {
				fmt.Println(yellow("Plan contains a build update"))
			}
			if set.IsRepairOnly() {
				fmt.Println(yellow("Plan is repair only"))
			}
			return nil
		},
	}
	addActionFlags(planCmd)
	planCmd.Flags().String("root", "", "Install root to check on-disk state against")

	var verifyCmd = &cobra.Command{
		Use:   "verify",
		Short: "List files whose on-disk state differs from the target",
		RunE: func(cmd *cobra.Command, args []string) error {
			set, err := setFromFlags(cmd)
			if err != nil {
				return fmt.Errorf("building manifest set: %w", err)
			}

			root, _ := cmd.Flags().GetString("root")
			if root == "" {
				return fmt.Errorf("--root is required")
			}

			outdated, err := set.OutdatedFiles(root)
			if err != nil {
				return fmt.Errorf("checking outdated files: %w", err)
			}

			if len(outdated) == 0 {
				fmt.Println(color.New(color.FgGreen).Sprint("All files match the target"))
				return nil
			}

			red := color.New(color.FgRed)
			for _, p := range outdated {
				red.Printf("  outdated: %s\n", p)
			}
			return nil
		},
	}
	addActionFlags(verifyCmd)
	verifyCmd.Flags().String("root", "", "Install root to check")

	var resumeCmd = &cobra.Command{
		Use:   "resume",
		Short: "Work with resume markers",
	}

	var resumeWriteCmd = &cobra.Command{
		Use:   "write",
		Short: "Write a resume marker for the planned action",
		RunE: func(cmd *cobra.Command, args []string) error {
			set, err := setFromFlags(cmd)
			if err != nil {
				return fmt.Errorf("building manifest set: %w", err)
			}

			markerPath, _ := cmd.Flags().GetString("marker")
			legacy, _ := cmd.Flags().GetBool("legacy")

			marker := resume.NewMarker(set, legacy)
			if err := marker.Write(markerPath); err != nil {
				return fmt.Errorf("writing resume marker: %w", err)
			}

			fmt.Printf("Wrote resume marker %s (session %s)\n", markerPath, marker.SessionID[:8])
			return nil
		},
	}
	addActionFlags(resumeWriteCmd)
	resumeWriteCmd.Flags().String("marker", ".depot-resume.json", "Resume marker path")
	resumeWriteCmd.Flags().Bool("legacy", false, "Include legacy app+version resume ids")

	var resumeCheckCmd = &cobra.Command{
		Use:   "check",
		Short: "Check whether a resume marker still matches the planned action",
		RunE: func(cmd *cobra.Command, args []string) error {
			set, err := setFromFlags(cmd)
			if err != nil {
				return fmt.Errorf("building manifest set: %w", err)
			}

			markerPath, _ := cmd.Flags().GetString("marker")
			legacy, _ := cmd.Flags().GetBool("legacy")

			marker, err := resume.Load(markerPath)
			if err != nil {
				return fmt.Errorf("loading resume marker: %w", err)
			}

			if marker.Matches(set, legacy) {
				fmt.Println(color.New(color.FgGreen).Sprint("Resume marker matches, partial state is resumable"))
				return nil
			}
			fmt.Println(color.New(color.FgRed).Sprint("Resume marker does not match, partial state must be discarded"))
			return nil
		},
	}
	addActionFlags(resumeCheckCmd)
	resumeCheckCmd.Flags().String("marker", ".depot-resume.json", "Resume marker path")
	resumeCheckCmd.Flags().Bool("legacy", false, "Include legacy app+version resume ids")

	resumeCmd.AddCommand(resumeWriteCmd, resumeCheckCmd)

	// Cache maintenance commands
	var cacheCmd = &cobra.Command{
		Use:   "cache",
		Short: "Work with the local chunk cache",
	}

	var cacheStatCmd = &cobra.Command{
		Use:   "stat",
		Short: "Show chunk cache statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, size, err := cacheSettings(cmd)
			if err != nil {
				return err
			}

			db, store, err := openCacheStore(dir, size)
			if err != nil {
				return err
			}
			defer db.Close()
			defer store.Close()

			stats, err := store.Stats()
			if err != nil {
				return fmt.Errorf("reading cache stats: %w", err)
			}

			fmt.Printf("Cached chunks: %d\n", stats.Chunks)
			fmt.Printf("Cached bytes:  %d\n", stats.Bytes)
			return nil
		},
	}
	cacheStatCmd.Flags().String("dir", ".depot-cache", "Chunk cache directory")
	cacheStatCmd.Flags().String("config", "", "Config file path")

	var cacheGCCmd = &cobra.Command{
		Use:   "gc",
		Short: "Remove cached chunks not accessed recently",
		RunE: func(cmd *cobra.Command, args []string) error {
			olderThan, _ := cmd.Flags().GetDuration("older-than")

			dir, size, err := cacheSettings(cmd)
			if err != nil {
				return err
			}

			db, store, err := openCacheStore(dir, size)
			if err != nil {
				return err
			}
			defer db.Close()
			defer store.Close()

			removed, err := store.Prune(olderThan)
			if err != nil {
				return fmt.Errorf("pruning cache: %w", err)
			}

			fmt.Printf("Removed %d stale chunks\n", removed)
			return nil
		},
	}
	cacheGCCmd.Flags().String("dir", ".depot-cache", "Chunk cache directory")
	cacheGCCmd.Flags().String("config", "", "Config file path")
	cacheGCCmd.Flags().Duration("older-than", 30*24*time.Hour, "Prune chunks not accessed within this age")

	cacheCmd.AddCommand(cacheStatCmd, cacheGCCmd)

	rootCmd.AddCommand(planCmd, verifyCmd, resumeCmd, cacheCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
