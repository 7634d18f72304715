package apksigner

import (
	"crypto"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/zip"

	"github.com/avast/apksigner/errdefs"
	"github.com/avast/apksigner/identity"
	"github.com/avast/apksigner/jarsig"
)

const (
	metaInfPrefix = "META-INF/"
	manifestPath  = metaInfPrefix + "MANIFEST.MF"

	defaultCreatedBy = "1.0 (zipsigner)"
)

var jarDigestNames = map[crypto.Hash]string{
	crypto.SHA1:   "SHA1",
	crypto.SHA256: "SHA-256",
	crypto.SHA384: "SHA-384",
	crypto.SHA512: "SHA-512",
}

type schemeV1Config struct {
	identity  *identity.KeyIdentity
	algorithm identity.SignatureAlgorithm
	createdBy string

	// APK Signature Scheme ids announced through X-Android-APK-Signed.
	signedSchemes []int

	modified time.Time
}

// isJarSignatureEntry matches the files a JAR signer owns: the manifest,
// signature files, signature blocks and SIG-* files directly under META-INF.
func isJarSignatureEntry(name string) bool {
	upper := strings.ToUpper(name)
	if !strings.HasPrefix(upper, metaInfPrefix) {
		return false
	}

	base := upper[len(metaInfPrefix):]
	if base == "" || strings.Contains(base, "/") {
		return false
	}
	if base == "MANIFEST.MF" || strings.HasPrefix(base, "SIG-") {
		return true
	}

	switch path.Ext(base) {
	case ".SF", ".RSA", ".DSA", ".EC":
		return true
	}
	return false
}

func signSchemeV1File(inPath, outPath string, cfg schemeV1Config) error {
	zr, err := zip.OpenReader(inPath)
	if err != nil {
		return errdefs.New(errdefs.CodeArchiveReadFailed, fmt.Sprintf("open %s", inPath), err)
	}
	defer zr.Close()

	out, err := os.OpenFile(outPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return errdefs.New(errdefs.CodeOutputWriteFailed, fmt.Sprintf("create %s", outPath), err)
	}

	if err := signSchemeV1(&zr.Reader, out, cfg); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return errdefs.New(errdefs.CodeOutputWriteFailed, fmt.Sprintf("close %s", outPath), err)
	}
	return nil
}

// signSchemeV1 writes a copy of zr to w with a fresh JAR signature. Existing
// JAR signature files are dropped; every other entry is copied without
// recompression.
func signSchemeV1(zr *zip.Reader, w io.Writer, cfg schemeV1Config) error {
	h := cfg.algorithm.Hash()
	digestName, ok := jarDigestNames[h]
	if !ok {
		return errdefs.New(errdefs.CodeInvalidRequest, fmt.Sprintf("unsupported signature algorithm %q", cfg.algorithm), nil)
	}

	builder, err := jarsig.NewBuilder(cfg.algorithm)
	if err != nil {
		return err
	}
	ext, err := cfg.identity.BlockExtension()
	if err != nil {
		return errdefs.New(errdefs.CodeSigningOperationFailed, "signature block name", err)
	}
	baseName := metaInfPrefix + cfg.identity.SignatureBaseName()

	createdBy := cfg.createdBy
	if createdBy == "" {
		createdBy = defaultCreatedBy
	}
	modified := cfg.modified
	if modified.IsZero() {
		modified = time.Now()
	}

	var (
		kept    []*zip.File
		names   []string
		digests = map[string]string{}
	)
	for _, f := range zr.File {
		if isJarSignatureEntry(f.Name) {
			continue
		}
		if _, dup := digests[f.Name]; dup {
			return errdefs.New(errdefs.CodeArchiveReadFailed, fmt.Sprintf("duplicate entry %q", f.Name), nil)
		}

		kept = append(kept, f)
		if strings.HasSuffix(f.Name, "/") {
			continue
		}

		d, err := digestEntry(f, h)
		if err != nil {
			return errdefs.New(errdefs.CodeArchiveReadFailed, fmt.Sprintf("read entry %q", f.Name), err)
		}
		digests[f.Name] = d
		names = append(names, f.Name)
	}
	sort.Strings(names)

	var man manifestWriter
	man.attr("Manifest-Version", "1.0")
	man.attr("Created-By", createdBy)
	man.endSection()
	mainEnd := man.Len()

	sectionDigests := make([]string, len(names))
	for i, name := range names {
		start := man.Len()
		man.attr("Name", name)
		man.attr(digestName+"-Digest", digests[name])
		man.endSection()
		sectionDigests[i] = digestBase64(h, man.Bytes()[start:])
	}
	manifestData := man.Bytes()

	var sf manifestWriter
	sf.attr("Signature-Version", "1.0")
	sf.attr("Created-By", createdBy)
	sf.attr(digestName+"-Digest-Manifest", digestBase64(h, manifestData))
	sf.attr(digestName+"-Digest-Manifest-Main-Attributes", digestBase64(h, manifestData[:mainEnd]))
	if len(cfg.signedSchemes) != 0 {
		ids := make([]string, len(cfg.signedSchemes))
		for i, id := range cfg.signedSchemes {
			ids[i] = strconv.Itoa(id)
		}
		sf.attr("X-Android-APK-Signed", strings.Join(ids, ", "))
	}
	sf.endSection()
	for i, name := range names {
		sf.attr("Name", name)
		sf.attr(digestName+"-Digest", sectionDigests[i])
		sf.endSection()
	}

	block, err := builder.Build(cfg.identity, sf.Bytes())
	if err != nil {
		return err
	}

	zw := zip.NewWriter(w)
	meta := []struct {
		name string
		data []byte
	}{
		{manifestPath, manifestData},
		{baseName + ".SF", sf.Bytes()},
		{baseName + "." + ext, block},
	}
	for _, m := range meta {
		fw, err := zw.CreateHeader(&zip.FileHeader{Name: m.name, Method: zip.Deflate, Modified: modified})
		if err != nil {
			return errdefs.New(errdefs.CodeOutputWriteFailed, fmt.Sprintf("write %s", m.name), err)
		}
		if _, err := fw.Write(m.data); err != nil {
			return errdefs.New(errdefs.CodeOutputWriteFailed, fmt.Sprintf("write %s", m.name), err)
		}
	}

	for _, f := range kept {
		if err := copyRawEntry(zw, f); err != nil {
			return errdefs.New(errdefs.CodeOutputWriteFailed, fmt.Sprintf("copy entry %q", f.Name), err)
		}
	}

	if err := zw.Close(); err != nil {
		return errdefs.New(errdefs.CodeOutputWriteFailed, "finish archive", err)
	}
	return nil
}

func digestEntry(f *zip.File, h crypto.Hash) (string, error) {
	rc, err := f.Open()
	if err != nil {
		return "", err
	}
	defer rc.Close()

	d := h.New()
	if _, err := io.Copy(d, rc); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(d.Sum(nil)), nil
}

func digestBase64(h crypto.Hash, data []byte) string {
	d := h.New()
	d.Write(data)
	return base64.StdEncoding.EncodeToString(d.Sum(nil))
}

func copyRawEntry(zw *zip.Writer, f *zip.File) error {
	r, err := f.OpenRaw()
	if err != nil {
		return err
	}

	fh := f.FileHeader
	w, err := zw.CreateRaw(&fh)
	if err != nil {
		return err
	}
	_, err = io.Copy(w, r)
	return err
}
