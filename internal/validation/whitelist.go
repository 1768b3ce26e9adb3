package validation

import "edustorage/internal/domain"

type category struct {
	fileType   domain.FileType
	extensions map[string]struct{}
	mimeTypes  map[string]struct{}
}

func set(items ...string) map[string]struct{} {
	m := make(map[string]struct{}, len(items))
	for _, it := range items {
		m[it] = struct{}{}
	}
	return m
}

// Порядок важен: первая совпавшая категория выигрывает.
var categories = []category{
	{
		fileType:   domain.FileTypeImage,
		extensions: set("jpg", "jpeg", "png", "gif", "webp", "svg", "bmp"),
		mimeTypes:  set("image/jpeg", "image/png", "image/gif", "image/webp", "image/svg+xml", "image/bmp"),
	},
	{
		fileType: domain.FileTypeDocument,
		extensions: set("pdf", "doc", "docx", "xls", "xlsx", "ppt", "pptx",
			"odt", "ods", "odp", "txt", "rtf", "csv", "md"),
		mimeTypes: set(
			"application/pdf",
			"application/msword",
			"application/vnd.openxmlformats-officedocument.wordprocessingml.document",
			"application/vnd.ms-excel",
			"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
			"application/vnd.ms-powerpoint",
			"application/vnd.openxmlformats-officedocument.presentationml.presentation",
			"application/vnd.oasis.opendocument.text",
			"application/vnd.oasis.opendocument.spreadsheet",
			"application/vnd.oasis.opendocument.presentation",
			"text/plain",
			"application/rtf",
			"text/csv",
			"text/markdown",
		),
	},
	{
		fileType:   domain.FileTypeVideo,
		extensions: set("mp4", "webm", "mov", "avi", "mkv", "m4v"),
		mimeTypes:  set("video/mp4", "video/webm", "video/quicktime", "video/x-msvideo", "video/x-matroska"),
	},
	{
		fileType:   domain.FileTypeAudio,
		extensions: set("mp3", "wav", "ogg", "m4a", "aac", "flac"),
		mimeTypes:  set("audio/mpeg", "audio/wav", "audio/x-wav", "audio/ogg", "audio/mp4", "audio/aac", "audio/flac"),
	},
}

// zipContainers — форматы поверх ZIP, для них сигнатура PK не меняет MIME.
var zipContainers = map[string]string{
	"docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	"xlsx": "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	"pptx": "application/vnd.openxmlformats-officedocument.presentationml.presentation",
	"odt":  "application/vnd.oasis.opendocument.text",
	"ods":  "application/vnd.oasis.opendocument.spreadsheet",
	"odp":  "application/vnd.oasis.opendocument.presentation",
}

func whitelisted(ext, mimeType string) bool {
	for _, c := range categories {
		if _, ok := c.extensions[ext]; ok {
			return true
		}
		if _, ok := c.mimeTypes[mimeType]; ok {
			return true
		}
	}
	return false
}

// classify ищет категорию сначала по расширению, затем по MIME:
// заявленный или распознанный MIME не переопределяет расширение.
func classify(ext, mimeType string) domain.FileType {
	for _, c := range categories {
		if _, ok := c.extensions[ext]; ok {
			return c.fileType
		}
	}
	for _, c := range categories {
		if _, ok := c.mimeTypes[mimeType]; ok {
			return c.fileType
		}
	}
	return domain.FileTypeOther
}
