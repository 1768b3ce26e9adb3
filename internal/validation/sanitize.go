package validation

import (
	"path"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

const MaxNameLength = 255

var illegalChars = strings.NewReplacer(
	"<", "_", ">", "_", ":", "_", `"`, "_", "|", "_", "?", "_", "*", "_",
)

// Sanitize приводит имя файла к безопасному виду. Идемпотентна:
// Sanitize(Sanitize(s)) == Sanitize(s).
func Sanitize(name string) string {
	name = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, name)
	name = norm.NFC.String(name)

	// Сегменты пути склеиваем через "_", "." и ".." выбрасываем
	segments := strings.FieldsFunc(name, func(r rune) bool { return r == '/' || r == '\\' })
	kept := segments[:0]
	for _, s := range segments {
		if s == "." || s == ".." {
			continue
		}
		kept = append(kept, s)
	}
	name = strings.Join(kept, "_")

	name = illegalChars.Replace(name)
	name = trimName(name)

	if utf8.RuneCountInString(name) > MaxNameLength {
		name = trimName(truncate(name))
	}
	return name
}

func trimName(name string) string {
	name = strings.TrimLeft(name, ". ")
	return strings.TrimRight(name, ". ")
}

// truncate режет основу имени, сохраняя расширение.
func truncate(name string) string {
	ext := path.Ext(name)
	extLen := utf8.RuneCountInString(ext)
	if ext == "" || extLen >= MaxNameLength {
		return string([]rune(name)[:MaxNameLength])
	}
	stem := []rune(strings.TrimSuffix(name, ext))
	return string(stem[:MaxNameLength-extLen]) + ext
}

// Extension — расширение в нижнем регистре без точки.
func Extension(name string) string {
	return strings.ToLower(strings.TrimPrefix(path.Ext(name), "."))
}
