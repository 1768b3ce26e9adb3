package validation

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"edustorage/internal/domain"
)

const mib = int64(1 << 20)

func TestValidate(t *testing.T) {
	v := New(DefaultLimits())

	tests := []struct {
		name     string
		in       FileInput
		opts     *Options
		wantCode domain.ErrorCode
		wantType domain.FileType
		wantName string
		wantMIME string
	}{
		{
			name:     "path traversal name is flattened",
			in:       FileInput{Name: "../../etc/passwd.pdf", MIMEType: "application/pdf", Size: 2 * mib},
			wantType: domain.FileTypeDocument,
			wantName: "etc_passwd.pdf",
			wantMIME: "application/pdf",
		},
		{
			name:     "executable is rejected",
			in:       FileInput{Name: "setup.exe", MIMEType: "application/octet-stream", Size: mib},
			wantCode: domain.CodeInvalidFileType,
		},
		{
			name:     "other allowed explicitly",
			in:       FileInput{Name: "archive.tar", MIMEType: "application/x-tar", Size: mib},
			opts:     &Options{AllowedTypes: []domain.FileType{domain.FileTypeOther}},
			wantType: domain.FileTypeOther,
			wantName: "archive.tar",
			wantMIME: "application/x-tar",
		},
		{
			name:     "category outside allowed list",
			in:       FileInput{Name: "clip.mp4", MIMEType: "video/mp4", Size: mib},
			opts:     &Options{AllowedTypes: []domain.FileType{domain.FileTypeImage}},
			wantCode: domain.CodeInvalidFileType,
		},
		{
			name:     "mime alone is enough",
			in:       FileInput{Name: "scan.tiff", MIMEType: "image/png; charset=binary", Size: mib},
			wantType: domain.FileTypeImage,
			wantName: "scan.tiff",
			wantMIME: "image/png",
		},
		{
			name:     "image over ceiling",
			in:       FileInput{Name: "big.png", MIMEType: "image/png", Size: 10*mib + 1},
			wantCode: domain.CodeFileTooLarge,
		},
		{
			name:     "video under its own ceiling",
			in:       FileInput{Name: "lecture.mp4", MIMEType: "video/mp4", Size: 400 * mib},
			wantType: domain.FileTypeVideo,
			wantName: "lecture.mp4",
			wantMIME: "video/mp4",
		},
		{
			name:     "caller max size restricts",
			in:       FileInput{Name: "notes.pdf", MIMEType: "application/pdf", Size: 6 * mib},
			opts:     &Options{MaxSize: 5 * mib},
			wantCode: domain.CodeFileTooLarge,
		},
		{
			name:     "caller max size never relaxes",
			in:       FileInput{Name: "photo.jpg", MIMEType: "image/jpeg", Size: 11 * mib},
			opts:     &Options{MaxSize: 100 * mib},
			wantCode: domain.CodeFileTooLarge,
		},
		{
			name:     "ceiling skipped for copies",
			in:       FileInput{Name: "photo.jpg", MIMEType: "image/jpeg", Size: 11 * mib},
			opts:     &Options{SkipSizeCeiling: true},
			wantType: domain.FileTypeImage,
			wantName: "photo.jpg",
			wantMIME: "image/jpeg",
		},
		{
			name:     "zero bytes",
			in:       FileInput{Name: "empty.txt", MIMEType: "text/plain", Size: 0},
			wantCode: domain.CodeEmptyFile,
		},
		{
			name:     "empty name",
			in:       FileInput{Name: "  ", MIMEType: "text/plain", Size: 1},
			wantCode: domain.CodeInvalidFilename,
		},
		{
			name:     "name too long",
			in:       FileInput{Name: strings.Repeat("a", 252) + ".pdf", MIMEType: "application/pdf", Size: 1},
			wantCode: domain.CodeInvalidFilename,
		},
		{
			name:     "no extension",
			in:       FileInput{Name: "README", MIMEType: "text/plain", Size: 1},
			wantCode: domain.CodeInvalidFilename,
		},
		{
			name:     "only dots",
			in:       FileInput{Name: "../..", MIMEType: "text/plain", Size: 1},
			wantCode: domain.CodeInvalidFilename,
		},
		{
			name:     "sniffed pdf overrides spoofed mime",
			in:       FileInput{Name: "report.pdf", MIMEType: "image/png", Size: mib, Header: []byte("%PDF-1.7\n")},
			wantType: domain.FileTypeDocument,
			wantName: "report.pdf",
			wantMIME: "application/pdf",
		},
		{
			name:     "signature alone does not admit",
			in:       FileInput{Name: "payload.exe", MIMEType: "application/octet-stream", Size: mib, Header: []byte{0x89, 'P', 'N', 'G', 0x0D}},
			wantCode: domain.CodeInvalidFileType,
		},
		{
			name:     "jpeg disguised as pdf",
			in:       FileInput{Name: "report.pdf", MIMEType: "application/pdf", Size: mib, Header: []byte{0xFF, 0xD8, 0xFF, 0xE0}},
			wantCode: domain.CodeInvalidFileType,
		},
		{
			name:     "zip disguised as text",
			in:       FileInput{Name: "notes.txt", MIMEType: "text/plain", Size: mib, Header: []byte{'P', 'K', 0x03, 0x04}},
			wantCode: domain.CodeInvalidFileType,
		},
		{
			name:     "extension wins over declared mime",
			in:       FileInput{Name: "slides.pdf", MIMEType: "image/jpeg", Size: mib},
			wantType: domain.FileTypeDocument,
			wantName: "slides.pdf",
			wantMIME: "application/pdf",
		},
		{
			name:     "docx keeps ooxml mime",
			in:       FileInput{Name: "essay.docx", MIMEType: "application/zip", Size: mib, Header: []byte{'P', 'K', 0x03, 0x04}},
			wantType: domain.FileTypeDocument,
			wantName: "essay.docx",
			wantMIME: "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			res := v.Validate(tt.in, tt.opts)

			if tt.wantCode != "" {
				require.False(t, res.Valid)
				require.NotNil(t, res.Err)
				assert.Equal(t, tt.wantCode, res.Err.Code)
				assert.Error(t, res.AsError())
				return
			}

			require.True(t, res.Valid, "unexpected error: %v", res.Err)
			assert.NoError(t, res.AsError())
			assert.Equal(t, tt.wantType, res.FileType)
			assert.Equal(t, tt.wantName, res.SanitizedName)
			assert.Equal(t, tt.wantMIME, res.MIMEType)
		})
	}
}

func TestValidateFillsMIMEFromExtension(t *testing.T) {
	res := New(DefaultLimits()).Validate(FileInput{Name: "notes.pdf", Size: 10}, nil)

	require.True(t, res.Valid)
	assert.Equal(t, "application/pdf", res.MIMEType)
}

func TestLimitsFor(t *testing.T) {
	l := DefaultLimits()

	assert.Equal(t, 10*mib, l.For(domain.FileTypeImage))
	assert.Equal(t, 50*mib, l.For(domain.FileTypeDocument))
	assert.Equal(t, 500*mib, l.For(domain.FileTypeVideo))
	assert.Equal(t, 50*mib, l.For(domain.FileTypeAudio))
	assert.Equal(t, 50*mib, l.For(domain.FileTypeOther))
}

func TestSniff(t *testing.T) {
	tests := []struct {
		header []byte
		ext    string
		want   string
		ok     bool
	}{
		{[]byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A}, "png", "image/png", true},
		{[]byte{0xFF, 0xD8, 0xFF, 0xE0}, "jpg", "image/jpeg", true},
		{[]byte("%PDF-1.4"), "pdf", "application/pdf", true},
		{[]byte{'P', 'K', 0x03, 0x04}, "xlsx", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", true},
		{[]byte{'P', 'K', 0x03, 0x04}, "zip", "application/zip", true},
		{[]byte("hello"), "txt", "", false},
		{nil, "png", "", false},
	}
	for _, tt := range tests {
		got, ok := Sniff(tt.header, tt.ext)
		assert.Equal(t, tt.ok, ok)
		assert.Equal(t, tt.want, got)
	}
}

func TestValidateName(t *testing.T) {
	name, err := ValidateName("  ../lectures/week1 ")
	require.Nil(t, err)
	assert.Equal(t, "lectures_week1", name)

	_, err = ValidateName("   ")
	require.NotNil(t, err)
	assert.Equal(t, domain.CodeInvalidFilename, err.Code)

	_, err = ValidateName("..")
	require.NotNil(t, err)

	_, err = ValidateName(strings.Repeat("a", MaxNameLength+1))
	require.NotNil(t, err)
}

func TestValidateErrorDetails(t *testing.T) {
	v := New(DefaultLimits())

	res := v.Validate(FileInput{Name: "report.pdf", MIMEType: "application/pdf", Size: mib, Header: []byte{0xFF, 0xD8, 0xFF}}, nil)
	require.False(t, res.Valid)
	assert.Equal(t, "pdf", res.Err.Details["extension"])
	assert.Equal(t, "image/jpeg", res.Err.Details["detectedType"])

	res = v.Validate(FileInput{Name: "clip.mp4", MIMEType: "video/mp4", Size: mib}, &Options{AllowedTypes: []domain.FileType{domain.FileTypeImage}})
	require.False(t, res.Valid)
	assert.Equal(t, domain.FileTypeVideo, res.Err.Details["fileType"])
	assert.Equal(t, []domain.FileType{domain.FileTypeImage}, res.Err.Details["allowedTypes"])

	res = v.Validate(FileInput{Name: "big.png", MIMEType: "image/png", Size: 11 * mib}, nil)
	require.False(t, res.Valid)
	assert.Equal(t, 11*mib, res.Err.Details["size"])
	assert.Equal(t, 10*mib, res.Err.Details["maxSize"])
}
