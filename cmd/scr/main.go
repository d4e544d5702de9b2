// Command scr is a thin operator CLI around the checkpoint/restart
// library's on-disk state: dump a filemap, inspect an index, mark a
// checkpoint as flushing, or write a halt file, the way rclone ships `cmd/*`
// subcommands around its `fs` library core.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/CamStan/scr/internal/filemap"
	"github.com/CamStan/scr/internal/flush"
	"github.com/CamStan/scr/internal/index"
)

var rootCmd = &cobra.Command{
	Use:   "scr",
	Short: "Inspect and drive a checkpoint/restart run out-of-process",
}

func init() {
	rootCmd.AddCommand(filemapCmd, indexCmd, flushCmd, haltCmd)
	filemapCmd.AddCommand(filemapDumpCmd)
	indexCmd.AddCommand(indexShowCmd)
	flushCmd.AddCommand(flushRunCmd)
	haltCmd.AddCommand(haltSetCmd)
}

var filemapCmd = &cobra.Command{
	Use:   "filemap",
	Short: "Inspect filemap files",
}

var filemapDumpCmd = &cobra.Command{
	Use:   "dump <path>",
	Short: "Print every checkpoint/rank/file entry in a filemap file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		fm, err := filemap.Read(args[0])
		if err != nil {
			return err
		}
		return dumpFilemap(fm)
	},
}

func dumpFilemap(fm *filemap.Map) error {
	t := fm.Encode()
	for _, ckptKey := range t.Keys("CKPT") {
		fmt.Printf("checkpoint %s\n", ckptKey)
		for _, rankKey := range t.Keys("CKPT", ckptKey, "RANK") {
			fmt.Printf("  rank %s\n", rankKey)
			base := t.Sub(false, "CKPT", ckptKey, "RANK", rankKey)
			for _, p := range base.Keys("FILE") {
				fmt.Printf("    file %s\n", p)
			}
			if v, ok := base.GetInt("EXPECT"); ok {
				fmt.Printf("    expect=%d\n", v)
			}
			for _, k := range base.Keys("TAG") {
				v, _ := base.Get("TAG", k)
				fmt.Printf("    tag %s=%s\n", k, v)
			}
		}
	}
	return nil
}

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Inspect PFS index files",
}

var indexShowCmd = &cobra.Command{
	Use:   "show <path>",
	Short: "List every entry recorded in an index file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		idx, err := index.Load(args[0])
		if err != nil {
			return err
		}
		for _, e := range idx.Entries {
			status := "incomplete"
			switch {
			case e.Failed:
				status = "failed"
			case e.Complete:
				status = "complete"
			}
			fmt.Printf("%-40s ckpt=%-6d ts=%-12d %s\n", e.Directory, e.CheckpointID, e.Timestamp, status)
		}
		return nil
	},
}

var flushCmd = &cobra.Command{
	Use:   "flush",
	Short: "Inspect and drive flush state",
}

var flushRunCmd = &cobra.Command{
	Use:   "run <flush-state-path> <checkpoint-id>",
	Short: "Mark a checkpoint as flushing in its flush-state file",
	Long: `Sets the Flushing bit for the given checkpoint id in the flush-state
file at the given path and writes it back. No data is copied and no
running job is notified.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		tracker, err := flush.ReadTrackerFile(args[0])
		if err != nil {
			tracker = flush.NewTracker()
		}
		ckpt, err := parseCheckpointID(args[1])
		if err != nil {
			return err
		}
		tracker.SetFlushing(ckpt, true)
		return tracker.WriteFile(args[0])
	},
}

var haltCmd = &cobra.Command{
	Use:   "halt",
	Short: "Write halt request files",
}

var haltSetCmd = &cobra.Command{
	Use:   "set <halt-file-path> <reason>",
	Short: "Write the given reason to a halt file",
	Long: `Writes the reason, followed by a newline, to the file at the given
path. The library does not read this file: Need_checkpoint takes the halt
state from its caller.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return os.WriteFile(args[0], []byte(args[1]+"\n"), 0o644)
	},
}

func parseCheckpointID(s string) (int, error) {
	var ckpt int
	if _, err := fmt.Sscanf(s, "%d", &ckpt); err != nil {
		return 0, fmt.Errorf("scr: invalid checkpoint id %q: %w", s, err)
	}
	return ckpt, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
