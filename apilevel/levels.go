// Package apilevel names Android API levels and the signing features each one supports.
package apilevel

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Level is an Android API level (android:minSdkVersion etc.).
type Level int32

// https://source.android.com/setup/start/build-numbers
const (
	V_AnyMin Level = -1            // Minimum sdk version, if you don't care about the lower bound
	V_AnyMax Level = math.MaxInt32 // Maximum sdk version, if you don't care about the upper bound

	V1_0_InitialRelease    Level = 1
	V1_5_Cupcake           Level = 3
	V1_6_Donut             Level = 4
	V2_0_Eclair            Level = 5
	V2_3_Gingerbread       Level = 9
	V4_0_1_ICS             Level = 14
	V4_1_JellyBean         Level = 16
	V4_3_JellyBean         Level = 18
	V4_4_KitKat            Level = 19
	V5_0_Lollipop          Level = 21
	V6_0_Marshmallow       Level = 23
	V7_0_Nougat            Level = 24
	V8_0_Oreo              Level = 26
	V9_0_Pie               Level = 28
	V10_0_Ten              Level = 29
	V11_0_Eleven           Level = 30
	V12_0_S                Level = 31
	V13_0_TIRAMISU         Level = 33
	V14_0_UPSIDE_DOWN_CAKE Level = 34
)

// SupportsSigV2 reports whether the platform verifies APK Signature Scheme v2.
func SupportsSigV2(level Level) bool {
	return level >= V7_0_Nougat
}

// SupportsSigV3 reports whether the platform verifies APK Signature Scheme v3.
func SupportsSigV3(level Level) bool {
	return level >= V9_0_Pie
}

// SupportsSHA256Jar reports whether the platform accepts SHA-256 digests in
// JAR signatures. Older releases only understand SHA-1.
func SupportsSHA256Jar(level Level) bool {
	return level >= V4_3_JellyBean
}

// SupportsECDSAJar reports whether JAR signatures may use ECDSA keys.
func SupportsECDSAJar(level Level) bool {
	return level >= V4_3_JellyBean
}

// Parse reads a manifest sdk attribute. Codenames (non-numeric values) denote
// a preview build and map to V_AnyMax.
func Parse(s string) (Level, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty sdk version")
	}

	v, err := strconv.ParseInt(s, 10, 32)
	if err != nil {
		if c := s[0]; c >= 'A' && c <= 'Z' {
			return V_AnyMax, nil
		}
		return 0, fmt.Errorf("invalid sdk version %q: %w", s, err)
	}
	return Level(v), nil
}

func (l Level) String() string {
	switch l {
	case V1_0_InitialRelease:
		return "V1_0_InitialRelease"
	case V1_5_Cupcake:
		return "V1_5_Cupcake"
	case V1_6_Donut:
		return "V1_6_Donut"
	case V2_0_Eclair:
		return "V2_0_Eclair"
	case V2_3_Gingerbread:
		return "V2_3_Gingerbread"
	case V4_0_1_ICS:
		return "V4_0_1_ICS"
	case V4_1_JellyBean:
		return "V4_1_JellyBean"
	case V4_3_JellyBean:
		return "V4_3_JellyBean"
	case V4_4_KitKat:
		return "V4_4_KitKat"
	case V5_0_Lollipop:
		return "V5_0_Lollipop"
	case V6_0_Marshmallow:
		return "V6_0_Marshmallow"
	case V7_0_Nougat:
		return "V7_0_Nougat"
	case V8_0_Oreo:
		return "V8_0_Oreo"
	case V9_0_Pie:
		return "V9_0_Pie"
	case V10_0_Ten:
		return "V10_0_Ten"
	case V11_0_Eleven:
		return "V11_0_Eleven"
	case V12_0_S:
		return "V12_0_S"
	case V13_0_TIRAMISU:
		return "V13_0_TIRAMISU"
	case V14_0_UPSIDE_DOWN_CAKE:
		return "V14_0_UPSIDE_DOWN_CAKE"
	case V_AnyMin:
		return "-Infinity"
	case V_AnyMax:
		return "+Infinity"
	}
	return fmt.Sprintf("%d", int32(l))
}
