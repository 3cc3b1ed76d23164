package main

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"github.com/dasmlab/textbundle/pkg/bundle"
)

var assembleReq bundle.Request

var assembleCmd = &cobra.Command{
	Use:   "assemble",
	Short: "Assemble one bundle and print it as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		asm, err := a.assembler()
		if err != nil {
			return err
		}
		b, err := asm.Assemble(cmd.Context(), assembleReq)
		if err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		enc.SetEscapeHTML(false)
		return enc.Encode(b)
	},
}

func init() {
	f := assembleCmd.Flags()
	f.StringVar(&assembleReq.Kind, "kind", "", "bundle kind, e.g. interface or commonContent")
	f.StringVar(&assembleReq.Subject, "subject", "", "bundle subject")
	f.StringVar(&assembleReq.Language, "lang", "", "language: HL code (frn00) or Google code (fr)")
	f.StringVar(&assembleReq.Variant, "variant", "", "bundle variant (site code for interface bundles)")
	assembleCmd.MarkFlagRequired("kind")
	assembleCmd.MarkFlagRequired("subject")
	assembleCmd.MarkFlagRequired("lang")
}
