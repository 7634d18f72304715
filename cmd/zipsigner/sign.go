package main

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/avast/apksigner"
	"github.com/avast/apksigner/identity"
	"github.com/avast/apksigner/secret"
)

const (
	ksFlag        = "ks"
	ksPassFlag    = "ks-pass"
	keyPassFlag   = "key-pass"
	builtinFlag   = "builtin"
	schemesFlag   = "schemes"
	sigAlgFlag    = "sig-alg"
	jobsFlag      = "jobs"
	createdByFlag = "created-by"
	ksAliasFlag   = "ks-key-alias"
	outFlag       = "out"
	signedSuffix  = "-signed"
)

var (
	signOut       string
	signKeystore  string
	signAlias     string
	signKsPass    string
	signKeyPass   string
	signBuiltin   string
	signSchemes   string
	signSigAlg    string
	signJobs      int
	signCreatedBy string

	signCmd = &cobra.Command{
		Use:   "sign [flags] INPUT...",
		Short: "sign APKs or zip archives",
		Long: "Signs every INPUT with the JAR scheme and, for APKs signed with a keystore key, " +
			"the APK Signature Scheme v2/v3. Without --out each INPUT is written next to itself " +
			"as <name>" + signedSuffix + ".<ext>.",
		Args: cobra.MinimumNArgs(1),
		RunE: signFunc,
	}
)

func init() {
	signCmd.Flags().StringVarP(&signOut, outFlag, "o", "", "output file, only valid with a single INPUT")
	signCmd.Flags().StringVar(&signKeystore, ksFlag, "", "keystore file (JKS, PKCS12 or BKS)")
	signCmd.Flags().StringVar(&signAlias, ksAliasFlag, "", "alias of the key entry in the keystore")
	signCmd.Flags().StringVar(&signKsPass, ksPassFlag, "", "keystore password: pass:<text>, env:<VAR>, file:<path> or stdin")
	signCmd.Flags().StringVar(&signKeyPass, keyPassFlag, "", "key password if it differs from the keystore password, same syntax as --"+ksPassFlag)
	signCmd.Flags().StringVar(&signBuiltin, builtinFlag, "", "sign with a built-in test key: "+strings.Join(apksigner.BuiltInKeyNames, ", "))
	signCmd.Flags().StringVar(&signSchemes, schemesFlag, "v1,v2,v3", "comma separated signature schemes")
	signCmd.Flags().StringVar(&signSigAlg, sigAlgFlag, "", "JAR signature algorithm, e.g. SHA256withRSA (default depends on key and minSdkVersion)")
	signCmd.Flags().IntVarP(&signJobs, jobsFlag, "j", 1, "number of inputs signed concurrently")
	signCmd.Flags().StringVar(&signCreatedBy, createdByFlag, "", "Created-By attribute of the JAR manifest")
	signCmd.MarkFlagsMutuallyExclusive(ksFlag, builtinFlag)
}

func signFunc(cmd *cobra.Command, args []string) error {
	if signOut != "" && len(args) > 1 {
		return fmt.Errorf("--%s can only be used with a single input", outFlag)
	}

	schemes, err := apksigner.ParseSchemes(stringFlagOr(cmd, schemesFlag, signSchemes, cfg.Sign.Schemes))
	if err != nil {
		return err
	}

	var alg identity.SignatureAlgorithm
	if name := stringFlagOr(cmd, sigAlgFlag, signSigAlg, cfg.Sign.SignatureAlgorithm); name != "" {
		if alg, err = identity.ParseSignatureAlgorithm(name); err != nil {
			return err
		}
	}

	jobs := intFlagOr(cmd, jobsFlag, signJobs, cfg.Sign.Jobs)
	if jobs < 1 {
		return fmt.Errorf("--%s must be at least 1", jobsFlag)
	}

	source, release, err := signKeySource(cmd)
	if err != nil {
		return err
	}
	defer release()

	opts := []apksigner.Option{apksigner.WithLogger(logger)}
	if c := stringFlagOr(cmd, createdByFlag, signCreatedBy, cfg.Sign.CreatedBy); c != "" {
		opts = append(opts, apksigner.WithCreatedBy(c))
	}
	if cfg.BuiltIn.Path != "" {
		opts = append(opts, apksigner.WithBuiltInKeys(&apksigner.BuiltInKeys{Path: cfg.BuiltIn.Path}))
	}
	signer := apksigner.NewSigner(opts...)

	g, ctx := errgroup.WithContext(cmd.Context())
	g.SetLimit(jobs)
	for _, in := range args {
		out := signOut
		if out == "" {
			out = signedOutputPath(in)
		}

		req := apksigner.SigningRequest{
			InputPath:          in,
			OutputPath:         out,
			KeySource:          source,
			Schemes:            schemes,
			SignatureAlgorithm: alg,
		}
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}

			res := <-signer.SignAsync(ctx, req)
			if res.Err != nil {
				return fmt.Errorf("%s: %w", req.InputPath, res.Err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s -> %s (%s, %s)\n", res.InputPath, res.OutputPath, res.Schemes, res.SignatureAlgorithm)
			return nil
		})
	}
	return g.Wait()
}

// signKeySource builds the key source from the flags. release destroys any
// password read for it.
func signKeySource(cmd *cobra.Command) (apksigner.KeySource, func(), error) {
	noop := func() {}

	if signBuiltin != "" {
		return apksigner.BuiltInKey{Name: signBuiltin}, noop, nil
	}

	path := stringFlagOr(cmd, ksFlag, signKeystore, cfg.Keystore.Path)
	alias := stringFlagOr(cmd, ksAliasFlag, signAlias, cfg.Keystore.Alias)
	if path == "" {
		return nil, noop, errors.New("either --" + ksFlag + " or --" + builtinFlag + " is required")
	}
	if alias == "" {
		return nil, noop, errors.New("--" + ksAliasFlag + " is required")
	}

	storePw, err := readPassword(signKsPass, fmt.Sprintf("Keystore password for %s: ", path))
	if err != nil {
		return nil, noop, err
	}

	var keyPw *secret.Password
	if signKeyPass != "" {
		if keyPw, err = readPassword(signKeyPass, fmt.Sprintf("Key password for %s: ", alias)); err != nil {
			storePw.Destroy()
			return nil, noop, err
		}
	}

	release := func() {
		storePw.Destroy()
		keyPw.Destroy()
	}
	return apksigner.KeystoreKey{Path: path, Alias: alias, StorePassword: storePw, KeyPassword: keyPw}, release, nil
}

// signedOutputPath turns dir/app.apk into dir/app-signed.apk.
func signedOutputPath(in string) string {
	ext := filepath.Ext(in)
	return strings.TrimSuffix(in, ext) + signedSuffix + ext
}
