package apksigner

import (
	"encoding/xml"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/avast/apkparser"

	"github.com/avast/apksigner/apilevel"
	"github.com/avast/apksigner/errdefs"
)

const (
	androidManifestName = "AndroidManifest.xml"
	androidNamespace    = "http://schemas.android.com/apk/res/android"
)

// archiveInfo is what routing needs to know about an input archive.
type archiveInfo struct {
	IsApk       bool
	PackageName string

	// MinSdkVersion is V_AnyMin when the manifest does not declare one or
	// cannot be decoded.
	MinSdkVersion apilevel.Level
}

// manifestInfoEncoder collects the package name and minSdkVersion from the
// binary AndroidManifest.xml and stops the parser once uses-sdk was seen.
type manifestInfoEncoder struct {
	info    *archiveInfo
	sawRoot bool
}

func (e *manifestInfoEncoder) EncodeToken(t xml.Token) error {
	st, ok := t.(xml.StartElement)
	if !ok {
		return nil
	}

	switch st.Name.Local {
	case "manifest":
		e.sawRoot = true
		for _, a := range st.Attr {
			if a.Name.Local == "package" && a.Name.Space == "" {
				e.info.PackageName = a.Value
			}
		}
	case "uses-sdk":
		for _, a := range st.Attr {
			if a.Name.Local == "minSdkVersion" && (a.Name.Space == androidNamespace || a.Name.Space == "") {
				if lvl, err := apilevel.Parse(a.Value); err == nil {
					e.info.MinSdkVersion = lvl
				}
			}
		}
		return apkparser.ErrEndParsing
	}
	return nil
}

func (e *manifestInfoEncoder) Flush() error {
	return nil
}

func inspectArchive(path string) (*archiveInfo, error) {
	zr, err := apkparser.OpenZip(path)
	if err != nil {
		return nil, errdefs.New(errdefs.CodeArchiveReadFailed, fmt.Sprintf("open %s", path), err)
	}
	defer zr.Close()

	info := &archiveInfo{
		MinSdkVersion: apilevel.V_AnyMin,
		IsApk:         strings.EqualFold(filepath.Ext(path), ".apk"),
	}

	f := zr.File[androidManifestName]
	if f == nil {
		return info, nil
	}
	info.IsApk = true

	if err := f.Open(); err != nil {
		return info, nil
	}
	defer f.Close()

	enc := &manifestInfoEncoder{info: info}
	for f.Next() {
		if err := apkparser.ParseXml(f, enc, nil); err == nil || errors.Is(err, apkparser.ErrEndParsing) {
			if enc.sawRoot {
				break
			}
		}
	}
	return info, nil
}
