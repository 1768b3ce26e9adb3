package validation

import "bytes"

// SniffLength — сколько байт заголовка достаточно для Sniff.
const SniffLength = 512

var signatures = []struct {
	magic    []byte
	mimeType string
}{
	{[]byte{0x89, 'P', 'N', 'G'}, "image/png"},
	{[]byte{0xFF, 0xD8, 0xFF}, "image/jpeg"},
	{[]byte("%PDF"), "application/pdf"},
	{[]byte{'P', 'K', 0x03, 0x04}, "application/zip"},
}

// Sniff определяет MIME по сигнатуре. Для ZIP-контейнеров (docx, odt, ...)
// возвращает MIME по расширению. ok == false, если сигнатура не распознана.
func Sniff(header []byte, ext string) (mimeType string, ok bool) {
	for _, s := range signatures {
		if !bytes.HasPrefix(header, s.magic) {
			continue
		}
		if s.mimeType == "application/zip" {
			if m, found := zipContainers[ext]; found {
				return m, true
			}
		}
		return s.mimeType, true
	}
	return "", false
}
