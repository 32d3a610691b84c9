package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/common/cfgstruct"
	"storj.io/common/fpath"
	"storj.io/common/process"

	"github.com/benediktbwimmer/apphub-sub012/filestore"
	"github.com/benediktbwimmer/apphub-sub012/filestore/filestoredb"
)

var (
	rootCmd = &cobra.Command{
		Use:   "filestore",
		Short: "Content-addressed file metadata server",
	}
	setupCmd = &cobra.Command{
		Use:         "setup",
		Short:       "Create config files",
		RunE:        cmdSetup,
		Annotations: map[string]string{"type": "setup"},
	}
	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run the filestore server",
		RunE:  cmdRun,
	}
	migrateCmd = &cobra.Command{
		Use:   "migrate",
		Short: "Migrate the metadata database to the latest schema",
		RunE:  cmdMigrate,
	}
	confDir string

	runCfg   Config
	setupCfg Config
)

// Config wraps the peer configuration with the database connection.
type Config struct {
	DatabaseURL string `help:"postgres connection string for the metadata database" default:""`

	filestore.Config
}

func cmdSetup(cmd *cobra.Command, args []string) (err error) {
	setupDir, err := filepath.Abs(confDir)
	if err != nil {
		return err
	}

	valid, _ := fpath.IsValidSetupDir(setupDir)
	if !valid {
		return fmt.Errorf("filestore configuration already exists (%v)", setupDir)
	}

	err = os.MkdirAll(setupDir, 0700)
	if err != nil {
		return err
	}

	if setupCfg.DatabaseURL == "" {
		return fmt.Errorf("database-url is required")
	}

	return process.SaveConfig(cmd, filepath.Join(setupDir, "config.yaml"))
}

func cmdMigrate(cmd *cobra.Command, args []string) (err error) {
	ctx, _ := process.Ctx(cmd)
	log := zap.L()

	db, err := filestoredb.Open(ctx, log.Named("db"), runCfg.DatabaseURL)
	if err != nil {
		return errs.New("opening metadata database: %+v", err)
	}
	defer func() {
		err = errs.Combine(err, db.Close())
	}()

	return db.MigrateToLatest(ctx)
}

func cmdRun(cmd *cobra.Command, args []string) (err error) {
	ctx, _ := process.Ctx(cmd)
	log := zap.L()

	db, err := filestoredb.Open(ctx, log.Named("db"), runCfg.DatabaseURL)
	if err != nil {
		return errs.New("opening metadata database: %+v", err)
	}
	defer func() {
		err = errs.Combine(err, db.Close())
	}()

	if err := db.MigrateToLatest(ctx); err != nil {
		return errs.New("migrating metadata database: %+v", err)
	}

	peer, err := filestore.New(log, db, runCfg.Config)
	if err != nil {
		return err
	}

	runErr := peer.Run(ctx)
	closeErr := peer.Close()
	return errs.Combine(runErr, closeErr)
}

func init() {
	defaultConfDir := fpath.ApplicationDir("apphub", "filestore")
	cfgstruct.SetupFlag(zap.L(), rootCmd, &confDir, "config-dir", defaultConfDir, "main directory for filestore configuration")
	defaults := cfgstruct.DefaultsFlag(rootCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(setupCmd)
	rootCmd.AddCommand(migrateCmd)
	process.Bind(runCmd, &runCfg, defaults, cfgstruct.ConfDir(confDir))
	process.Bind(migrateCmd, &runCfg, defaults, cfgstruct.ConfDir(confDir))
	process.Bind(setupCmd, &setupCfg, defaults, cfgstruct.ConfDir(confDir), cfgstruct.SetupMode())
}

func main() {
	logger, _, _ := process.NewLogger("filestore")
	zap.ReplaceGlobals(logger)

	process.Exec(rootCmd)
}
