package main

import (
	"crypto/rand"
	"fmt"
	"os"

	"github.com/logix727/apisec"
	"github.com/spf13/cobra"
)

var caGenerateFlags struct {
	force bool
}

var caExportFlags struct {
	out string
}

var caCmd = &cobra.Command{
	Use:   "ca",
	Short: "Manage the root certificate",
}

var caGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate a new root certificate and key",
	Long: `Generate a new root certificate and private key at ca.cert_path and
ca.key_path. Existing files are kept unless --force is given; clients must
trust the new root again after regeneration.`,
	RunE: runCAGenerate,
}

var caExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Print the root certificate in PEM form",
	Long: `Print the root certificate in PEM form so it can be installed in a
browser or OS trust store. A root is generated first if none exists.`,
	RunE: runCAExport,
}

func init() {
	rootCmd.AddCommand(caCmd)
	caCmd.AddCommand(caGenerateCmd, caExportCmd)

	caGenerateCmd.Flags().BoolVar(&caGenerateFlags.force, "force", false, "overwrite an existing root")
	caExportCmd.Flags().StringVarP(&caExportFlags.out, "out", "o", "", "write to file instead of stdout")
}

func runCAGenerate(cmd *cobra.Command, args []string) error {
	cfg, logger, closeLog, err := loadConfig()
	if err != nil {
		return err
	}
	defer closeLog()

	if !caGenerateFlags.force {
		for _, path := range []string{cfg.CA.CertPath, cfg.CA.KeyPath} {
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists (use --force to replace it)", path)
			}
		}
	}

	logger.Info("generating root certificate", "org", cfg.CA.Organization)

	certPEM, keyPEM, err := apisec.GenerateRoot(cfg.CA.Organization, cfg.CA.RootValidity, rand.Reader)
	if err != nil {
		return err
	}
	if err := os.WriteFile(cfg.CA.CertPath, certPEM, 0o644); err != nil {
		return fmt.Errorf("write root certificate: %w", err)
	}
	if err := os.WriteFile(cfg.CA.KeyPath, keyPEM, 0o600); err != nil {
		return fmt.Errorf("write root key: %w", err)
	}

	logger.Info("root certificate generated", "cert", cfg.CA.CertPath, "key", cfg.CA.KeyPath)
	logger.Info("add the root certificate to your system/browser trust store")
	return nil
}

func runCAExport(cmd *cobra.Command, args []string) error {
	cfg, _, closeLog, err := loadConfig()
	if err != nil {
		return err
	}
	defer closeLog()

	ca, err := apisec.LoadOrCreateCertAuthority(cfg.CA.CertPath, cfg.CA.KeyPath, cfg.CAOptions())
	if err != nil {
		return err
	}
	pem := ca.ExportRootPEM()

	if caExportFlags.out == "" {
		_, err := cmd.OutOrStdout().Write(pem)
		return err
	}
	if err := os.WriteFile(caExportFlags.out, pem, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", caExportFlags.out, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", caExportFlags.out)
	return nil
}
