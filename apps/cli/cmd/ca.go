package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/abdul-hamid-achik/hitcapture/packages/certauth"
	"github.com/abdul-hamid-achik/hitcapture/packages/logger"
)

var (
	caKeystoreFlag string
	caPEMFlag      string
	caForceFlag    bool
)

var caCmd = &cobra.Command{
	Use:   "ca",
	Short: "Manage the certificate authority",
}

var caExportCmd = &cobra.Command{
	Use:   "export <keystore.json>",
	Short: "Write a certificate authority for reuse across runs",
	Long: `Generate a certificate authority and write it as a keystore file that
'hitcapture serve --keystore' loads instead of generating a new one. With
--from an existing keystore is re-exported. --pem also writes the root
certificate for installing into a trust store.

Examples:
  hitcapture ca export ca.json --pem ca.pem
  hitcapture ca export copy.json --from ca.json`,
	Args: cobra.ExactArgs(1),
	RunE: caExportCommand,
}

func init() {
	caExportCmd.Flags().StringVar(&caKeystoreFlag, "from", "", "Existing keystore to export instead of generating")
	caExportCmd.Flags().StringVar(&caPEMFlag, "pem", "", "Also write the root certificate as PEM to this path")
	caExportCmd.Flags().BoolVar(&caForceFlag, "force", false, "Overwrite an existing keystore file")
	caCmd.AddCommand(caExportCmd)
}

func caExportCommand(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log := newLogger(cfg)
	defer logger.Close(log)

	return exportAuthority(args[0], caKeystoreFlag, caPEMFlag, caForceFlag, log, cmd.OutOrStdout())
}

func exportAuthority(dest, from, pemPath string, force bool, log logger.Logger, out io.Writer) error {
	if !force {
		if _, err := os.Stat(dest); err == nil {
			return withCode(ExitUsageError, fmt.Errorf("%s already exists (use --force to overwrite)", dest))
		}
	}

	var a *certauth.Authority
	if from != "" {
		loaded, err := certauth.LoadFile(from, certauth.WithLogger(log))
		if err != nil {
			return withCode(ExitConfigError, fmt.Errorf("failed to load keystore: %w", err))
		}
		a = loaded
	} else {
		a = certauth.New(certauth.WithLogger(log))
	}
	defer a.Close()

	form, err := a.Export()
	if err != nil {
		return err
	}
	if err := form.WriteFile(dest); err != nil {
		return fmt.Errorf("failed to write keystore: %w", err)
	}
	fmt.Fprintf(out, "Keystore: %s\n", dest)

	if pemPath == "" {
		return nil
	}
	material, err := a.Acquire()
	if err != nil {
		return err
	}
	pem, err := material.CertificatePEM()
	if err != nil {
		return err
	}
	if err := os.WriteFile(pemPath, pem, 0644); err != nil {
		return fmt.Errorf("failed to write certificate: %w", err)
	}
	fmt.Fprintf(out, "Certificate: %s\n", pemPath)
	return nil
}
