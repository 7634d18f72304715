package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/avast/apksigner"
	"github.com/avast/apksigner/identity"
	"github.com/avast/apksigner/keystore"
	"github.com/avast/apksigner/secret"
)

var (
	genkeyKeystore string
	genkeyType     string
	genkeyKsPass   string
	genkeyAlias    string
	genkeyKeyPass  string
	genkeyKeyAlg   string
	genkeyKeySize  int
	genkeySigAlg   string
	genkeyValidity int
	genkeyDName    string
	genkeyAppend   bool

	genkeyCmd = &cobra.Command{
		Use:   "genkey",
		Short: "generate a self-signed signing identity into a keystore",
		Args:  cobra.NoArgs,
		RunE:  genkeyFunc,
	}
)

func init() {
	genkeyCmd.Flags().StringVar(&genkeyKeystore, ksFlag, "", "keystore file to create or extend")
	genkeyCmd.Flags().StringVar(&genkeyType, "ks-type", "pkcs12", "format of a new keystore: pkcs12, jks or bks")
	genkeyCmd.Flags().StringVar(&genkeyKsPass, ksPassFlag, "", "keystore password: pass:<text>, env:<VAR>, file:<path> or stdin")
	genkeyCmd.Flags().StringVar(&genkeyAlias, "alias", "", "alias of the new key entry")
	genkeyCmd.Flags().StringVar(&genkeyKeyPass, keyPassFlag, "", "key password if it differs from the keystore password (JKS and BKS only)")
	genkeyCmd.Flags().StringVar(&genkeyKeyAlg, "key-alg", identity.DefaultKeyAlgorithm, "key algorithm: RSA or EC")
	genkeyCmd.Flags().IntVar(&genkeyKeySize, "key-size", 0, "RSA modulus or EC curve size in bits (default 2048 for RSA, 256 for EC)")
	genkeyCmd.Flags().StringVar(&genkeySigAlg, sigAlgFlag, "", "certificate signature algorithm (default SHA256withRSA or SHA256withECDSA)")
	genkeyCmd.Flags().IntVar(&genkeyValidity, "validity", identity.DefaultValidityYears, "certificate validity in years")
	genkeyCmd.Flags().StringVar(&genkeyDName, "dname", "", `certificate subject, e.g. "CN=Release, O=Example, C=US"`)
	genkeyCmd.Flags().BoolVar(&genkeyAppend, "append", false, "add the key to an existing keystore instead of creating one")
	_ = genkeyCmd.MarkFlagRequired(ksFlag)
	_ = genkeyCmd.MarkFlagRequired("alias")
}

func genkeyFunc(cmd *cobra.Command, _ []string) error {
	format, err := keystore.ParseFormat(stringFlagOr(cmd, "ks-type", genkeyType, cfg.Keystore.Type))
	if err != nil {
		return err
	}

	subject, err := identity.ParseDistinguishedName(stringFlagOr(cmd, "dname", genkeyDName, cfg.Genkey.DName))
	if err != nil {
		return err
	}

	var alg identity.SignatureAlgorithm
	if genkeySigAlg != "" {
		if alg, err = identity.ParseSignatureAlgorithm(genkeySigAlg); err != nil {
			return err
		}
	}

	storePw, err := readPassword(genkeyKsPass, fmt.Sprintf("Keystore password for %s: ", genkeyKeystore))
	if err != nil {
		return err
	}
	defer storePw.Destroy()

	var keyPw *secret.Password
	if genkeyKeyPass != "" {
		if keyPw, err = readPassword(genkeyKeyPass, fmt.Sprintf("Key password for %s: ", genkeyAlias)); err != nil {
			return err
		}
		defer keyPw.Destroy()
	}

	id, err := keystore.IssueInto(genkeyKeystore, format, !genkeyAppend, storePw, keyPw, identity.IssueRequest{
		Name:               genkeyAlias,
		KeyAlgorithm:       stringFlagOr(cmd, "key-alg", genkeyKeyAlg, cfg.Genkey.KeyAlgorithm),
		KeySize:            intFlagOr(cmd, "key-size", genkeyKeySize, cfg.Genkey.KeySize),
		SignatureAlgorithm: alg,
		ValidityYears:      intFlagOr(cmd, "validity", genkeyValidity, cfg.Genkey.ValidityYears),
		Subject:            subject,
	})
	if err != nil {
		return err
	}
	defer id.Release()

	logger.WithField("keystore", genkeyKeystore).WithField("alias", genkeyAlias).Info("generated key")
	fmt.Fprintf(cmd.OutOrStdout(), "Generated %s key %q in %s\n%s\n", id.KeyAlgorithm(), genkeyAlias, genkeyKeystore, apksigner.NewCertInfo(id.Leaf()))
	return nil
}
