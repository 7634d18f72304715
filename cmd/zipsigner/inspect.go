package main

import (
	"fmt"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/cobra"

	"github.com/avast/apksigner"
	"github.com/avast/apksigner/keystore"
	"github.com/avast/apksigner/secret"
)

var (
	inspectKeystore string
	inspectKsPass   string
	inspectAlias    string
	inspectKeyPass  string

	inspectCmd = &cobra.Command{
		Use:   "inspect",
		Short: "print the key entries of a keystore",
		Args:  cobra.NoArgs,
		RunE:  inspectFunc,
	}
)

func init() {
	inspectCmd.Flags().StringVar(&inspectKeystore, ksFlag, "", "keystore file (JKS, PKCS12 or BKS)")
	inspectCmd.Flags().StringVar(&inspectKsPass, ksPassFlag, "", "keystore password: pass:<text>, env:<VAR>, file:<path> or stdin")
	inspectCmd.Flags().StringVar(&inspectAlias, "alias", "", "only print this key entry")
	inspectCmd.Flags().StringVar(&inspectKeyPass, keyPassFlag, "", "key password if it differs from the keystore password")
}

func inspectFunc(cmd *cobra.Command, _ []string) error {
	path := stringFlagOr(cmd, ksFlag, inspectKeystore, cfg.Keystore.Path)
	if path == "" {
		return fmt.Errorf("--%s is required", ksFlag)
	}

	storePw, err := readPassword(inspectKsPass, fmt.Sprintf("Keystore password for %s: ", path))
	if err != nil {
		return err
	}
	defer storePw.Destroy()

	var keyPw *secret.Password
	if inspectKeyPass != "" {
		if keyPw, err = readPassword(inspectKeyPass, "Key password: "); err != nil {
			return err
		}
		defer keyPw.Destroy()
	}

	c, err := keystore.Load(path, storePw)
	if err != nil {
		return err
	}
	defer c.Close()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Keystore: %s\nFormat:   %s\n", c.Path(), c.Format())

	aliases := c.Aliases()
	if inspectAlias != "" {
		aliases = []string{inspectAlias}
	}

	var merr *multierror.Error
	for _, alias := range aliases {
		id, err := c.Identity(alias, keyPw)
		if err != nil {
			merr = multierror.Append(merr, err)
			continue
		}

		fmt.Fprintf(out, "\nAlias:      %s\nChain:      %d certificate(s)\n%s\n", alias, len(id.CertificateChain), apksigner.NewCertInfo(id.Leaf()))
		id.Release()
	}
	return merr.ErrorOrNil()
}
