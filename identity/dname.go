package identity

import (
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"
	"strings"
)

// Attribute is one of the distinguished name kinds supported in issued certificates.
type Attribute int

// Declaration order is encoding order.
const (
	Country Attribute = iota
	State
	Locality
	Street
	Organization
	OrganizationalUnit
	CommonName

	attributeCount
)

var attributeInfo = [attributeCount]struct {
	short string
	oid   asn1.ObjectIdentifier
}{
	Country:            {"C", asn1.ObjectIdentifier{2, 5, 4, 6}},
	State:              {"ST", asn1.ObjectIdentifier{2, 5, 4, 8}},
	Locality:           {"L", asn1.ObjectIdentifier{2, 5, 4, 7}},
	Street:             {"STREET", asn1.ObjectIdentifier{2, 5, 4, 9}},
	Organization:       {"O", asn1.ObjectIdentifier{2, 5, 4, 10}},
	OrganizationalUnit: {"OU", asn1.ObjectIdentifier{2, 5, 4, 11}},
	CommonName:         {"CN", asn1.ObjectIdentifier{2, 5, 4, 3}},
}

func (a Attribute) String() string {
	if a < 0 || a >= attributeCount {
		return fmt.Sprintf("Attribute(%d)", int(a))
	}
	return attributeInfo[a].short
}

// DistinguishedName is an ordered set of subject attributes. The zero value is
// an empty name. Empty values are treated as absent.
type DistinguishedName struct {
	values [attributeCount]string
}

// Set assigns value to attr. An empty (or blank) value removes the attribute.
func (dn *DistinguishedName) Set(attr Attribute, value string) *DistinguishedName {
	if attr < 0 || attr >= attributeCount {
		return dn
	}
	if strings.TrimSpace(value) == "" {
		value = ""
	}
	dn.values[attr] = value
	return dn
}

// Get returns the value of attr and whether it is present.
func (dn DistinguishedName) Get(attr Attribute) (string, bool) {
	if attr < 0 || attr >= attributeCount || dn.values[attr] == "" {
		return "", false
	}
	return dn.values[attr], true
}

// Len returns the number of present attributes.
func (dn DistinguishedName) Len() int {
	n := 0
	for _, v := range dn.values {
		if v != "" {
			n++
		}
	}
	return n
}

// RDNSequence returns the present attributes, one per RDN, in declaration order.
func (dn DistinguishedName) RDNSequence() pkix.RDNSequence {
	seq := make(pkix.RDNSequence, 0, dn.Len())
	for attr, v := range dn.values {
		if v == "" {
			continue
		}
		seq = append(seq, pkix.RelativeDistinguishedNameSET{
			{Type: attributeInfo[attr].oid, Value: v},
		})
	}
	return seq
}

// Marshal returns the DER encoding of the name.
func (dn DistinguishedName) Marshal() ([]byte, error) {
	return asn1.Marshal(dn.RDNSequence())
}

// String renders the name as "C=US, O=Android, CN=Test".
func (dn DistinguishedName) String() string {
	parts := make([]string, 0, dn.Len())
	for attr, v := range dn.values {
		if v == "" {
			continue
		}
		parts = append(parts, attributeInfo[attr].short+"="+escapeDNValue(v))
	}
	return strings.Join(parts, ", ")
}

// ParseDistinguishedName reads a keytool-style "CN=Test, O=Acme, C=US" string.
// Attribute order in the input does not matter; a backslash escapes a comma.
func ParseDistinguishedName(s string) (DistinguishedName, error) {
	var dn DistinguishedName
	for _, part := range splitDN(s) {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		key, value, ok := strings.Cut(part, "=")
		if !ok {
			return dn, fmt.Errorf("invalid distinguished name component %q", part)
		}

		attr, ok := attributeByName(strings.TrimSpace(key))
		if !ok {
			return dn, fmt.Errorf("unsupported distinguished name attribute %q", key)
		}
		dn.Set(attr, strings.TrimSpace(value))
	}
	return dn, nil
}

func attributeByName(name string) (Attribute, bool) {
	for attr := Attribute(0); attr < attributeCount; attr++ {
		if strings.EqualFold(attributeInfo[attr].short, name) {
			return attr, true
		}
	}
	if strings.EqualFold(name, "S") {
		return State, true
	}
	return 0, false
}

func splitDN(s string) []string {
	var parts []string
	var cur strings.Builder
	for i := 0; i < len(s); i++ {
		switch c := s[i]; {
		case c == '\\' && i+1 < len(s):
			i++
			cur.WriteByte(s[i])
		case c == ',':
			parts = append(parts, cur.String())
			cur.Reset()
		default:
			cur.WriteByte(c)
		}
	}
	return append(parts, cur.String())
}

func escapeDNValue(v string) string {
	return strings.ReplaceAll(v, ",", `\,`)
}
