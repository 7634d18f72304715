// Package signingblock reads, verifies and writes the APK Signing Block that
// carries APK Signature Scheme v2 and v3 signatures.
package signingblock

import (
	"bytes"
	"crypto"
	"encoding/binary"
	"errors"
	"fmt"
	"hash"
	"io"
	"math"
	"os"

	"github.com/avast/apksigner/apilevel"
)

// https://source.android.com/security/apksigning/v2.html
// frameworks/base/core/java/android/util/apk/ApkSignatureSchemeV2Verifier.java

const (
	eocdRecMinSize             = 22
	eocdRecMagic               = 0x06054b50
	eocdCommentSizeOffset      = 20
	eocdCentralDirSizeOffset   = 12
	eocdCentralDirOffsetOffset = 16

	zip64LocatorSize  = 20
	zip64LocatorMagic = 0x07064b50

	apkSigBlockMinSize     = 32
	apkSigBlockFooterSize  = 24
	apkSigBlockMagicHi     = 0x3234206b636f6c42
	apkSigBlockMagicLo     = 0x20676953204b5041
	apkSigBlockPageAlign   = 4096
	apkSigBlockPairHdrSize = 12

	blockIdVerityPadding = 0x42726577
	blockIdSchemeV2      = 0x7109871a
	blockIdSchemeV3      = 0xf05368c0

	maxChunkSize = 1024 * 1024
)

// Signature scheme identifiers as reported in VerificationResult.SchemeId.
const (
	SchemeIdV1 = 1
	SchemeIdV2 = 2
	SchemeIdV3 = 3
)

var (
	errNoSigningBlockSignature = errors.New("this apk does not have signing block signature")
	errEocdNotFound            = errors.New("EOCD record not found")
)

type signatureBlockScheme interface {
	parseSigners(block *bytes.Buffer, contentDigests map[crypto.Hash][]byte, result *VerificationResult)
	finalizeResult(minSdkVersion, maxSdkVersion apilevel.Level, result *VerificationResult)
}

type blockPair struct {
	id    uint32
	value []byte
}

type signingBlock struct {
	file             io.ReaderAt
	fileSize         int64
	eocdOffset       int64
	centralDirOffset int64
	sigBlockOffset   int64
	eocd             []byte
	pairs            []blockPair
}

type signingBlockNotFoundError struct {
	err error
}

func (e *signingBlockNotFoundError) Error() string {
	return "signature block signature not found: " + e.err.Error()
}

func (e *signingBlockNotFoundError) Unwrap() error {
	return e.err
}

// IsSigningBlockNotFoundError reports whether err means the APK carries no
// usable APK Signing Block, as opposed to a block that failed to verify.
func IsSigningBlockNotFoundError(err error) bool {
	var nf *signingBlockNotFoundError
	return errors.As(err, &nf)
}

// VerifySigningBlock verifies the strongest scheme block that a platform in
// <minSdkVersion, maxSdkVersion> would use.
func VerifySigningBlock(path string, minSdkVersion, maxSdkVersion apilevel.Level) (*VerificationResult, error) {
	return verifyFile(path, 0, minSdkVersion, maxSdkVersion)
}

// VerifyScheme verifies the SchemeIdV2 or SchemeIdV3 block regardless of
// whether a stronger one is present.
func VerifyScheme(path string, schemeId int, minSdkVersion, maxSdkVersion apilevel.Level) (*VerificationResult, error) {
	if schemeId != SchemeIdV2 && schemeId != SchemeIdV3 {
		return nil, fmt.Errorf("unsupported signature scheme %d", schemeId)
	}
	return verifyFile(path, schemeId, minSdkVersion, maxSdkVersion)
}

func verifyFile(path string, schemeId int, minSdkVersion, maxSdkVersion apilevel.Level) (*VerificationResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}
	return Verify(f, fi.Size(), schemeId, minSdkVersion, maxSdkVersion)
}

// Verify checks the APK Signing Block of the archive in r. A schemeId of 0
// picks the strongest scheme applicable to the sdk range.
func Verify(r io.ReaderAt, size int64, schemeId int, minSdkVersion, maxSdkVersion apilevel.Level) (*VerificationResult, error) {
	if !apilevel.SupportsSigV2(maxSdkVersion) {
		return nil, &signingBlockNotFoundError{errors.New("unsupported SDK version, requires at least N")}
	}

	s, err := openSigningBlock(r, size)
	if err != nil {
		return nil, err
	}
	if s.pairs == nil {
		return nil, &signingBlockNotFoundError{errNoSigningBlockSignature}
	}

	schemeId, block, err := s.findSignatureBlock(schemeId, maxSdkVersion)
	if err != nil {
		return nil, &signingBlockNotFoundError{err}
	}

	res := &VerificationResult{SchemeId: schemeId}
	for _, p := range s.pairs {
		if p.id != blockIdSchemeV2 && p.id != blockIdSchemeV3 && p.id != blockIdVerityPadding {
			if res.ExtraBlocks == nil {
				res.ExtraBlocks = make(map[uint32][]byte)
			}
			res.ExtraBlocks[p.id] = p.value
		}
	}

	var scheme signatureBlockScheme
	switch schemeId {
	case SchemeIdV3:
		scheme = &schemeV3{minSdkVersion: minSdkVersion, maxSdkVersion: maxSdkVersion}
	case SchemeIdV2:
		scheme = &schemeV2{
			maxSdkVersion: maxSdkVersion,
			hasV3Block:    s.pair(blockIdSchemeV3) != nil,
		}
	}

	s.verify(scheme, block, minSdkVersion, maxSdkVersion, res)
	return res, res.GetLastError()
}

// openSigningBlock locates the ZIP sections of the archive and, if present,
// the APK Signing Block in front of the central directory. pairs stays nil
// when the archive has no signing block; sigBlockOffset then equals the
// central directory offset.
func openSigningBlock(r io.ReaderAt, size int64) (*signingBlock, error) {
	if size < 4 {
		return nil, fmt.Errorf("APK file is too short (%d bytes)", size)
	}

	s := &signingBlock{file: r, fileSize: size}
	if err := s.findEocd(); err != nil {
		return nil, &signingBlockNotFoundError{err}
	}
	if s.isZip64() {
		return nil, &signingBlockNotFoundError{errors.New("ZIP64 APK not supported")}
	}

	s.sigBlockOffset = s.centralDirOffset
	sigBlock, offset, err := s.findApkSigningBlock()
	switch {
	case errors.Is(err, errNoSigningBlockSignature):
		return s, nil
	case err != nil:
		return nil, err
	}

	s.sigBlockOffset = offset
	if s.pairs, err = parsePairs(sigBlock); err != nil {
		return nil, err
	}
	if s.pairs == nil {
		s.pairs = []blockPair{}
	}
	return s, nil
}

func (s *signingBlock) findEocd() error {
	if s.fileSize < eocdRecMinSize {
		return fmt.Errorf("APK file is too short (%d bytes)", s.fileSize)
	}

	if err := s.findEocdMaxCommentSize(0); err == nil {
		return nil
	}
	return s.findEocdMaxCommentSize(math.MaxUint16)
}

func (s *signingBlock) findEocdMaxCommentSize(maxCommentSize int) error {
	if maxCommentSize > int(s.fileSize-eocdRecMinSize) {
		maxCommentSize = int(s.fileSize - eocdRecMinSize)
	}

	buf := make([]byte, eocdRecMinSize+maxCommentSize)
	bufOffsetInFile := s.fileSize - int64(len(buf))
	if _, err := s.file.ReadAt(buf, bufOffsetInFile); err != nil {
		return err
	}

	emptyCommentStart := len(buf) - eocdRecMinSize
	for commentSize := 0; commentSize <= maxCommentSize; commentSize++ {
		pos := emptyCommentStart - commentSize
		if binary.LittleEndian.Uint32(buf[pos:pos+4]) != eocdRecMagic {
			continue
		}
		if int(binary.LittleEndian.Uint16(buf[pos+eocdCommentSizeOffset:])) != commentSize {
			continue
		}

		s.eocdOffset = bufOffsetInFile + int64(pos)
		s.centralDirOffset = int64(binary.LittleEndian.Uint32(buf[pos+eocdCentralDirOffsetOffset:]))
		s.eocd = buf[pos:]

		if s.centralDirOffset > s.eocdOffset {
			return fmt.Errorf("ZIP Central Directory offset out of range: %d. ZIP End of Central Directory offset: %d",
				s.centralDirOffset, s.eocdOffset)
		}

		centralDirSize := binary.LittleEndian.Uint32(buf[pos+eocdCentralDirSizeOffset:])
		if s.centralDirOffset+int64(centralDirSize) != s.eocdOffset {
			return errors.New("ZIP Central Directory is not immediately followed by End of Central Directory")
		}
		return nil
	}
	return errEocdNotFound
}

func (s *signingBlock) isZip64() bool {
	locatorPos := s.eocdOffset - zip64LocatorSize
	if locatorPos < 0 {
		return false
	}

	var magic [4]byte
	if _, err := s.file.ReadAt(magic[:], locatorPos); err != nil {
		return false
	}
	return binary.LittleEndian.Uint32(magic[:]) == zip64LocatorMagic
}

func (s *signingBlock) findApkSigningBlock() (block []byte, offset int64, err error) {
	if s.centralDirOffset < apkSigBlockMinSize {
		return nil, 0, errNoSigningBlockSignature
	}

	footer := make([]byte, apkSigBlockFooterSize)
	if _, err = s.file.ReadAt(footer, s.centralDirOffset-int64(len(footer))); err != nil {
		return nil, 0, err
	}

	if binary.LittleEndian.Uint64(footer[8:]) != apkSigBlockMagicLo ||
		binary.LittleEndian.Uint64(footer[16:]) != apkSigBlockMagicHi {
		return nil, 0, errNoSigningBlockSignature
	}

	blockSizeFooter := binary.LittleEndian.Uint64(footer)
	if blockSizeFooter < uint64(len(footer)) || blockSizeFooter > math.MaxInt32-8 {
		return nil, 0, fmt.Errorf("APK Signing Block size out of range: %d", blockSizeFooter)
	}

	totalSize := int64(blockSizeFooter + 8)
	if totalSize < apkSigBlockMinSize {
		return nil, 0, fmt.Errorf("APK Signing Block is too small: %d vs %d", totalSize, apkSigBlockMinSize)
	}

	offset = s.centralDirOffset - totalSize
	if offset < 0 {
		return nil, 0, fmt.Errorf("APK Signing Block offset out of range: %d", offset)
	}

	block = make([]byte, totalSize)
	if _, err = s.file.ReadAt(block, offset); err != nil {
		return nil, 0, err
	}

	if blockSizeHeader := binary.LittleEndian.Uint64(block); blockSizeHeader != blockSizeFooter {
		return nil, 0, fmt.Errorf("APK Signing Block sizes in header and footer do not match: %d vs %d",
			blockSizeHeader, blockSizeFooter)
	}
	return block, offset, nil
}

func parsePairs(sigBlock []byte) ([]blockPair, error) {
	pairs := bytes.NewReader(sigBlock[8 : len(sigBlock)-apkSigBlockFooterSize])

	var res []blockPair
	for entryCount := 1; pairs.Len() > 0; entryCount++ {
		if pairs.Len() < 8 {
			return nil, fmt.Errorf("insufficient data to read size of APK Signing Block entry #%d", entryCount)
		}

		var entryLen int64
		binary.Read(pairs, binary.LittleEndian, &entryLen)
		if entryLen < 4 || entryLen > math.MaxInt32 {
			return nil, fmt.Errorf("APK Signing Block entry #%d size out of range: %d", entryCount, entryLen)
		}
		if entryLen > int64(pairs.Len()) {
			return nil, fmt.Errorf("APK Signing Block entry #%d size out of range: %d, available: %d",
				entryCount, entryLen, pairs.Len())
		}

		var id uint32
		binary.Read(pairs, binary.LittleEndian, &id)

		value := make([]byte, entryLen-4)
		if _, err := io.ReadFull(pairs, value); err != nil {
			return nil, fmt.Errorf("failed to read APK Signing Block entry #%d: %w", entryCount, err)
		}
		res = append(res, blockPair{id: id, value: value})
	}
	return res, nil
}

func (s *signingBlock) pair(id uint32) []byte {
	for _, p := range s.pairs {
		if p.id == id {
			return p.value
		}
	}
	return nil
}

func (s *signingBlock) findSignatureBlock(wantScheme int, maxSdkVersion apilevel.Level) (schemeId int, block []byte, err error) {
	switch wantScheme {
	case SchemeIdV3:
		if block = s.pair(blockIdSchemeV3); block == nil {
			return 0, nil, errors.New("no APK Signature Scheme v3 block in APK Signing Block")
		}
		return SchemeIdV3, block, nil
	case SchemeIdV2:
		if block = s.pair(blockIdSchemeV2); block == nil {
			return 0, nil, errors.New("no APK Signature Scheme v2 block in APK Signing Block")
		}
		return SchemeIdV2, block, nil
	}

	if apilevel.SupportsSigV3(maxSdkVersion) {
		if block = s.pair(blockIdSchemeV3); block != nil {
			return SchemeIdV3, block, nil
		}
	}
	if block = s.pair(blockIdSchemeV2); block != nil {
		return SchemeIdV2, block, nil
	}
	return 0, nil, errors.New("no APK Signature Scheme v2 block in APK Signing Block")
}

func (s *signingBlock) verify(scheme signatureBlockScheme, block []byte, minSdkVersion, maxSdkVersion apilevel.Level, res *VerificationResult) {
	contentDigests := make(map[crypto.Hash][]byte)

	scheme.parseSigners(bytes.NewBuffer(block), contentDigests, res)
	if res.ContainsErrors() {
		return
	}

	if len(res.Certs) == 0 {
		res.addError("no signers found")
		return
	}

	if len(contentDigests) == 0 {
		res.addError("no content digests found")
		return
	}

	if !s.verifyIntegrity(contentDigests, res) {
		return
	}

	scheme.finalizeResult(minSdkVersion, maxSdkVersion, res)
}

// contentSources returns the three digested regions: entries up to the
// signing block, the central directory, and the EOCD with its central
// directory offset pointing at the signing block.
func (s *signingBlock) contentSources() ([]dataSource, error) {
	centralDir := make([]byte, s.eocdOffset-s.centralDirOffset)
	if _, err := s.file.ReadAt(centralDir, s.centralDirOffset); err != nil {
		return nil, fmt.Errorf("failed to read central directory: %w", err)
	}

	eocd := append([]byte(nil), s.eocd...)
	binary.LittleEndian.PutUint32(eocd[eocdCentralDirOffsetOffset:], uint32(s.sigBlockOffset))

	return []dataSource{
		&dataSourceFile{file: s.file, start: 0, end: s.sigBlockOffset},
		&dataSourceBytes{data: centralDir},
		&dataSourceBytes{data: eocd},
	}, nil
}

func (s *signingBlock) verifyIntegrity(expectedDigests map[crypto.Hash][]byte, result *VerificationResult) bool {
	contents, err := s.contentSources()
	if err != nil {
		result.addError("%s", err.Error())
		return false
	}

	digestAlgorithms := make([]crypto.Hash, 0, len(expectedDigests))
	for algo := range expectedDigests {
		digestAlgorithms = append(digestAlgorithms, algo)
	}

	actualDigests, err := computeContentDigests(digestAlgorithms, contents...)
	if err != nil {
		result.addError("failed to compute digest(s) of contents: %s", err.Error())
		return false
	}

	ok := true
	for i, algo := range digestAlgorithms {
		if !bytes.Equal(expectedDigests[algo], actualDigests[i]) {
			result.addError("%s digest of contents did not verify", algo)
			ok = false
		}
	}
	return ok
}

func computeContentDigests(digestAlgorithms []crypto.Hash, contents ...dataSource) ([][]byte, error) {
	var totalChunkCount int64
	for _, input := range contents {
		totalChunkCount += input.chunkCount()
	}

	if totalChunkCount >= math.MaxInt32/1024 {
		return nil, fmt.Errorf("too many chunks: %d", totalChunkCount)
	}

	digestsOfChunks := make([][]byte, len(digestAlgorithms))
	hashers := make([]hash.Hash, len(digestAlgorithms))
	for i, algo := range digestAlgorithms {
		buf := make([]byte, 5+totalChunkCount*int64(algo.Size()))
		buf[0] = 0x5a
		binary.LittleEndian.PutUint32(buf[1:], uint32(totalChunkCount))

		digestsOfChunks[i] = buf
		hashers[i] = algo.New()
	}

	chunkContentPrefix := make([]byte, 5)
	chunkContentPrefix[0] = 0xa5

	chunkIndex := 0
	for inputIdx, input := range contents {
		var offset int64
		remaining := input.length()
		for remaining > 0 {
			chunkSize := min(remaining, maxChunkSize)
			binary.LittleEndian.PutUint32(chunkContentPrefix[1:], uint32(chunkSize))

			for i := range hashers {
				hashers[i].Write(chunkContentPrefix)

				if err := input.writeTo(hashers[i], offset, chunkSize); err != nil {
					return nil, fmt.Errorf("failed to digest chunk #%d of section #%d: %w", chunkIndex, inputIdx, err)
				}

				sum := hashers[i].Sum(nil)
				hashers[i].Reset()

				copy(digestsOfChunks[i][5+chunkIndex*len(sum):], sum)
			}
			offset += chunkSize
			remaining -= chunkSize
			chunkIndex++
		}
	}

	result := make([][]byte, len(digestAlgorithms))
	for i := range digestsOfChunks {
		hashers[i].Write(digestsOfChunks[i])
		result[i] = hashers[i].Sum(nil)
	}
	return result, nil
}
