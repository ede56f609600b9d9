package cmd

import (
	"encoding/json"
	"fmt"
	"github.com/AfkaraLP/breadbot/breadbot"
	"github.com/spf13/cobra"
	"log"
	"strconv"
)

var (
	namesLimit  int
	namesOffset int
)

var namesCmd = &cobra.Command{
	Use:   "names",
	Short: "Inspect or forget stored names",
}

var namesListCmd = &cobra.Command{
	Use:   "list",
	Short: "Print stored names as JSON",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		store, closeDB := openNameStore(cmd)
		defer closeDB()

		records, err := store.List(ctx, namesLimit, namesOffset)
		if err != nil {
			return fmt.Errorf("error listing names: %w", err)
		}
		data, err := json.MarshalIndent(records, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(data))
		return nil
	},
}

var namesForgetCmd = &cobra.Command{
	Use:   "forget <member_id>",
	Short: "Delete a member's stored name, so the next /rename generates a new one",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		memberID, err := strconv.ParseUint(args[0], 10, 64)
		if err != nil || memberID == 0 {
			return fmt.Errorf("invalid member id: %q", args[0])
		}

		ctx := cmd.Context()
		store, closeDB := openNameStore(cmd)
		defer closeDB()

		deleted, err := store.Delete(ctx, memberID)
		if err != nil {
			return fmt.Errorf("error deleting name: %w", err)
		}
		out := cmd.OutOrStdout()
		if !deleted {
			fmt.Fprintf(out, "No stored name for %d\n", memberID)
			return nil
		}
		fmt.Fprintf(out, "Forgot stored name for %d\n", memberID)
		return nil
	},
}

// openNameStore opens (and migrates) the configured database
func openNameStore(cmd *cobra.Command) (breadbot.NameStore, func()) {
	db, err := breadbot.CreateDB(cmd.Context(), cfg.DatabaseType, cfg.Database)
	if err != nil {
		log.Fatalf("Error opening database: %v", err)
	}
	closeDB := func() {
		if sqlDB, dbErr := db.DB(); dbErr == nil {
			_ = sqlDB.Close()
		}
	}
	return breadbot.NewDatabase(db, nil, false), closeDB
}

func init() {
	namesListCmd.Flags().IntVar(&namesLimit, "limit", 100, "Maximum number of names to print")
	namesListCmd.Flags().IntVar(&namesOffset, "offset", 0, "Number of names to skip")
	namesCmd.AddCommand(namesListCmd, namesForgetCmd)
	rootCmd.AddCommand(namesCmd)
}
