// Package validation проверяет входящие файлы до любых операций с квотой и хранилищем.
// Проверки чистые: никаких побочных эффектов, только входные данные.
package validation

import (
	"mime"
	"slices"
	"strings"
	"unicode/utf8"

	"edustorage/internal/domain"
)

// Limits — потолки размера по категориям, байты.
type Limits struct {
	Image    int64
	Document int64
	Video    int64
	Audio    int64
	Other    int64
}

func DefaultLimits() Limits {
	return Limits{
		Image:    10 << 20,
		Document: 50 << 20,
		Video:    500 << 20,
		Audio:    50 << 20,
		Other:    50 << 20,
	}
}

func (l Limits) For(t domain.FileType) int64 {
	switch t {
	case domain.FileTypeImage:
		return l.Image
	case domain.FileTypeDocument:
		return l.Document
	case domain.FileTypeVideo:
		return l.Video
	case domain.FileTypeAudio:
		return l.Audio
	default:
		return l.Other
	}
}

type FileInput struct {
	Name     string
	MIMEType string
	Size     int64
	// Header — первые байты содержимого для проверки сигнатуры, может быть пустым.
	Header []byte
}

type Options struct {
	// AllowedTypes ограничивает категории. Пустой список — все, кроме other.
	AllowedTypes []domain.FileType
	// MaxSize только ужесточает потолок категории.
	MaxSize int64
	// SkipSizeCeiling отключает потолки категорий (личные копии материалов курса).
	SkipSizeCeiling bool
}

type Result struct {
	Valid         bool
	Err           *domain.Error
	FileType      domain.FileType
	SanitizedName string
	MIMEType      string
}

// AsError возвращает nil для валидного результата.
func (r Result) AsError() error {
	if r.Err == nil {
		return nil
	}
	return r.Err
}

type Validator struct {
	limits Limits
}

func New(limits Limits) *Validator {
	return &Validator{limits: limits}
}

func (v *Validator) Validate(in FileInput, opts *Options) Result {
	if opts == nil {
		opts = &Options{}
	}

	name, nameErr := ValidateName(in.Name)
	if nameErr != nil {
		return reject(nameErr)
	}
	ext := Extension(name)
	if ext == "" {
		return reject(domain.NewError(domain.CodeInvalidFilename, "file name has no extension"))
	}

	declared := normalizeMIME(in.MIMEType)
	effective := declared

	// Главный фильтр — расширение или заявленный MIME, сигнатура одна ничего не пропускает
	fileType := domain.FileTypeOther
	if whitelisted(ext, declared) {
		fileType = classify(ext, declared)
	}
	// MIME чужой категории заменяется MIME по расширению
	if effective != "" && classify("", effective) != fileType {
		effective = ""
	}
	if sniffed, ok := Sniff(in.Header, ext); ok {
		if detected := classify("", sniffed); detected != fileType {
			return reject(domain.NewError(domain.CodeInvalidFileType,
				"content is %s but the file claims to be %s", sniffed, fileType).
				WithDetail("extension", ext).
				WithDetail("detectedType", sniffed))
		}
		effective = sniffed
	}
	if !typeAllowed(fileType, opts.AllowedTypes) {
		return reject(domain.NewError(domain.CodeInvalidFileType, "file type %q is not allowed", fileType).
			WithDetail("fileType", fileType).
			WithDetail("allowedTypes", allowedList(opts.AllowedTypes)))
	}

	if in.Size <= 0 {
		return reject(domain.NewError(domain.CodeEmptyFile, "file is empty"))
	}
	if !opts.SkipSizeCeiling {
		limit := v.limits.For(fileType)
		if opts.MaxSize > 0 && opts.MaxSize < limit {
			limit = opts.MaxSize
		}
		if in.Size > limit {
			return reject(domain.NewError(domain.CodeFileTooLarge, "file size %d exceeds limit %d for %s", in.Size, limit, fileType).
				WithDetail("size", in.Size).
				WithDetail("maxSize", limit))
		}
	}

	if effective == "" {
		effective = mime.TypeByExtension("." + ext)
		if effective == "" {
			effective = "application/octet-stream"
		}
	}

	return Result{
		Valid:         true,
		FileType:      fileType,
		SanitizedName: name,
		MIMEType:      effective,
	}
}

// ValidateName проверяет и очищает имя файла или папки.
func ValidateName(raw string) (string, *domain.Error) {
	if strings.TrimSpace(raw) == "" {
		return "", domain.NewError(domain.CodeInvalidFilename, "file name is empty")
	}
	if utf8.RuneCountInString(raw) > MaxNameLength {
		return "", domain.NewError(domain.CodeInvalidFilename, "file name exceeds %d characters", MaxNameLength)
	}
	name := Sanitize(raw)
	if name == "" {
		return "", domain.NewError(domain.CodeInvalidFilename, "file name is empty after sanitization")
	}
	return name, nil
}

func typeAllowed(t domain.FileType, allowed []domain.FileType) bool {
	if len(allowed) == 0 {
		return t != domain.FileTypeOther
	}
	return slices.Contains(allowed, t)
}

// allowedList перечисляет допустимые категории для ответа клиенту.
func allowedList(allowed []domain.FileType) []domain.FileType {
	if len(allowed) > 0 {
		return allowed
	}
	out := make([]domain.FileType, 0, len(categories))
	for _, c := range categories {
		out = append(out, c.fileType)
	}
	return out
}

func normalizeMIME(m string) string {
	if i := strings.IndexByte(m, ';'); i >= 0 {
		m = m[:i]
	}
	return strings.ToLower(strings.TrimSpace(m))
}

func reject(err *domain.Error) Result {
	return Result{Valid: false, Err: err}
}
