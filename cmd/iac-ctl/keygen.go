package main

import (
    "fmt"

    "github.com/spf13/cobra"

    "iac/pkg/crypto/sign"
    "iac/pkg/identity"
    "iac/pkg/transport"
)

var keygenOut string

var keygenCmd = &cobra.Command{
    Use:   "keygen",
    Short: "Generate an ed25519 node identity",
    Long:  "Prints the private key (base64url) and the public key (hex) used in trust lists. With --out the private key is written to a file instead.",
    PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
    RunE: func(cmd *cobra.Command, args []string) error {
        pub, priv, err := sign.GenerateKeyPair()
        if err != nil { return err }
        w := cmd.OutOrStdout()
        if keygenOut != "" {
            if err := identity.Save(keygenOut, priv); err != nil { return fmt.Errorf("save key: %w", err) }
            fmt.Fprintf(w, "private_key_file: %s\n", keygenOut)
        } else {
            fmt.Fprintf(w, "private_key: %s\n", identity.Encode(priv))
        }
        fmt.Fprintf(w, "public_key: %s\n", transport.CanonicalPeerIDFromPubKey(pub))
        return nil
    },
}

func init() {
    keygenCmd.Flags().StringVar(&keygenOut, "out", "", "write the private key to this file (mode 0600)")
    rootCmd.AddCommand(keygenCmd)
}
