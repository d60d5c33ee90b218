package main

import (
	"fmt"

	"github.com/jrsteele09/go-session-auth/token/keys"
	"github.com/spf13/cobra"
)

func newGenKeyCommand() *cobra.Command {
	var (
		keyID      string
		bits       int
		withPublic bool
	)

	cmd := &cobra.Command{
		Use:   "genkey",
		Short: "Generate an RSA signing key as PKCS#8 PEM for SIGNING_KEY_PEM",
		RunE: func(cmd *cobra.Command, args []string) error {
			kp, err := keys.GenerateRSAKeyPair(keyID, bits)
			if err != nil {
				return err
			}
			private, err := kp.ExportPrivateKeyPEM()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprint(out, private)
			if withPublic {
				public, err := kp.ExportPublicKeyPEM()
				if err != nil {
					return err
				}
				fmt.Fprint(out, public)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&keyID, "kid", "primary", "Key id published in the JWKS and token headers")
	cmd.Flags().IntVar(&bits, "bits", 2048, "RSA modulus size")
	cmd.Flags().BoolVar(&withPublic, "public", false, "Also print the public key PEM")
	return cmd
}
