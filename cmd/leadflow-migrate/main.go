// cmd/leadflow-migrate/main.go
package main

import (
	"fmt"
	"os"

	"github.com/ignatij/leadflow/internal/config"
	"github.com/ignatij/leadflow/migrations"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{Use: "leadflow-migrate"}

// connString prefers --db, then the configured DSN (which falls back to the
// DB_* variables).
func connString(cmd *cobra.Command) string {
	connStr, _ := cmd.Flags().GetString("db")
	if connStr != "" {
		return connStr
	}
	cfg, err := config.Load("")
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if cfg.Database.DSN == "" {
		fmt.Println("Error: --db flag, database.dsn or complete DB_* env vars (DB_USERNAME, DB_PASSWORD, DB_HOST, DB_PORT, DB_NAME) required")
		os.Exit(1)
	}
	return cfg.Database.DSN
}

var upCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply pending database migrations",
	Run: func(cmd *cobra.Command, args []string) {
		if err := migrations.Up(connString(cmd)); err != nil {
			fmt.Printf("Failed to apply migrations: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("Migrations applied successfully")
	},
}

var downCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back every database migration",
	Run: func(cmd *cobra.Command, args []string) {
		if err := migrations.Down(connString(cmd)); err != nil {
			fmt.Printf("Failed to roll back migrations: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("Migrations rolled back successfully")
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the applied migration version",
	Run: func(cmd *cobra.Command, args []string) {
		v, dirty, err := migrations.Version(connString(cmd))
		if err != nil {
			fmt.Printf("Failed to read migration version: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Version %d (dirty: %t)\n", v, dirty)
	},
}

func main() {
	rootCmd.PersistentFlags().String("db", "", "Database connection string (optional if config or DB_* env vars are set)")
	rootCmd.AddCommand(upCmd, downCmd, versionCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
