// attestctl verifies a decryption gateway's key attestation offline: it
// checks the COSE signature, the certificate chain to the AWS Nitro root,
// the enclave measurements, and that the served keys match the attested
// ones.
package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/veilbid-io/sealedauction/api"
	"github.com/veilbid-io/sealedauction/attest"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "attestctl",
		Short:        "Verify gateway key attestations",
		SilenceUsage: true,
	}
	cmd.AddCommand(verifyCmd())
	return cmd
}

func verifyCmd() *cobra.Command {
	var (
		responsePath string
		pcrPath      string
		jsonOutput   bool
	)

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify a saved key response against known enclave measurements",
		RunE: func(cmd *cobra.Command, args []string) error {
			return verify(cmd, responsePath, pcrPath, jsonOutput)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&responsePath, "response", "", "path to a key response JSON file")
	flags.StringVar(&pcrPath, "pcrs", "", "path to a PCR config JSON file")
	flags.BoolVar(&jsonOutput, "json", false, "emit the result as JSON")
	_ = cmd.MarkFlagRequired("response")
	_ = cmd.MarkFlagRequired("pcrs")
	return cmd
}

func verify(cmd *cobra.Command, responsePath, pcrPath string, jsonOutput bool) error {
	raw, err := os.ReadFile(responsePath)
	if err != nil {
		return fmt.Errorf("read key response: %w", err)
	}
	var res api.KeyResponse
	if err := json.Unmarshal(raw, &res); err != nil {
		return fmt.Errorf("parse key response: %w", err)
	}
	if res.AttestationCOSEBase64 == "" {
		return fmt.Errorf("key response carries no attestation")
	}

	pcrSets, err := attest.LoadPCRSets(pcrPath)
	if err != nil {
		return err
	}

	verifier, err := attest.NewVerifier(pcrSets)
	if err != nil {
		return err
	}
	result, err := verifier.VerifyKeyAttestation(res.AttestationCOSEBase64, res.InputKeyPEM, res.VerifyKeyPEM)
	if err != nil {
		return fmt.Errorf("verify attestation: %w", err)
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(result); err != nil {
			return err
		}
	} else {
		fmt.Fprintf(out, "signature:   %s\n", mark(result.SignatureValid))
		fmt.Fprintf(out, "certificate: %s\n", mark(result.CertificateValid))
		fmt.Fprintf(out, "pcrs:        %s\n", mark(result.PCRsValid))
		fmt.Fprintf(out, "keys:        %s\n", mark(result.KeysMatch))
		for _, d := range result.Details {
			fmt.Fprintf(out, "  - %s\n", d)
		}
		if result.Valid() {
			fmt.Fprintln(out, "attestation valid")
		}
	}

	if !result.Valid() {
		return fmt.Errorf("attestation invalid")
	}
	return nil
}

func mark(ok bool) string {
	if ok {
		return "ok"
	}
	return "FAIL"
}
