package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/logix727/apisec"
	"github.com/spf13/cobra"
)

var signaturesListFlags struct {
	builtins bool
}

var signaturesCmd = &cobra.Command{
	Use:     "signatures",
	Aliases: []string{"sigs"},
	Short:   "Inspect finding signatures",
}

var signaturesValidateCmd = &cobra.Command{
	Use:   "validate <pack.yaml>...",
	Short: "Compile every rule in one or more signature packs",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runSignaturesValidate,
}

var signaturesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the signatures the configured sources provide",
	RunE:  runSignaturesList,
}

func init() {
	rootCmd.AddCommand(signaturesCmd)
	signaturesCmd.AddCommand(signaturesValidateCmd, signaturesListCmd)

	signaturesListCmd.Flags().BoolVar(&signaturesListFlags.builtins, "builtins", true, "include built-in signatures")
}

func runSignaturesValidate(cmd *cobra.Command, args []string) error {
	engine := apisec.NewFindingEngine(apisec.FindingEngineOptions{})
	var failed int
	for _, path := range args {
		sigs, err := apisec.NewPackLoader(path).Load(cmd.Context())
		if err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "%s: %v\n", path, err)
			failed++
			continue
		}
		if err := engine.Replace(sigs); err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "%s: %v\n", path, err)
			failed++
			continue
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %d signatures OK\n", path, len(sigs))
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d packs invalid", failed, len(args))
	}
	return nil
}

func runSignaturesList(cmd *cobra.Command, args []string) error {
	cfg, err := apisec.LoadConfig(rootFlags.configPath)
	if err != nil {
		return err
	}

	engine := apisec.NewFindingEngine(apisec.FindingEngineOptions{})
	if signaturesListFlags.builtins {
		if err := engine.LoadBuiltins(); err != nil {
			return err
		}
	}
	loader, err := cfg.BuildSignatureLoader()
	if err != nil {
		return err
	}
	if loader != nil {
		sigs, err := loader.Load(cmd.Context())
		if err != nil {
			return err
		}
		if err := engine.Replace(sigs); err != nil {
			return err
		}
	}

	printSignatures(cmd.OutOrStdout(), engine.List())
	return nil
}

func printSignatures(w io.Writer, sigs []apisec.Signature) {
	if len(sigs) == 0 {
		fmt.Fprintln(w, "No signatures.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tSEVERITY\tENABLED\tBUILTIN")
	for _, s := range sigs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%t\n", s.ID, s.Name, s.Severity, s.Enabled, s.Builtin)
	}
	_ = tw.Flush()
}
