// Package i18n локализует сообщения об ошибках API.
// Поддерживаемые языки: English (en), Русский (ru). Язык выбирается по
// Accept-Language, по умолчанию en.
package i18n

import (
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/message/catalog"

	"edustorage/internal/domain"
)

var (
	supported = []language.Tag{language.English, language.Russian}
	matcher   = language.NewMatcher(supported)
	messages  = catalog.NewBuilder(catalog.Fallback(language.English))
)

var translations = map[domain.ErrorCode][2]string{
	domain.CodeInvalidFileType:     {"This file type is not allowed.", "Этот тип файла не поддерживается."},
	domain.CodeFileTooLarge:        {"The file exceeds the maximum allowed size.", "Файл превышает допустимый размер."},
	domain.CodeEmptyFile:           {"Empty files cannot be uploaded.", "Нельзя загрузить пустой файл."},
	domain.CodeInvalidFilename:     {"The file name is invalid.", "Недопустимое имя файла."},
	domain.CodeValidation:          {"The request is invalid.", "Некорректный запрос."},
	domain.CodeQuotaExceeded:       {"Not enough storage space.", "Недостаточно места в хранилище."},
	domain.CodeFileNotFound:        {"The file was not found.", "Файл не найден."},
	domain.CodeUserNotFound:        {"The user was not found.", "Пользователь не найден."},
	domain.CodePermissionDenied:    {"You do not have access to this file.", "Нет доступа к файлу."},
	domain.CodeVersionConflict:     {"The file was changed by another request. Reload and try again.", "Файл был изменён другим запросом. Обновите данные и повторите."},
	domain.CodeReservationExpired:  {"The upload session has expired.", "Сессия загрузки истекла."},
	domain.CodeStorageBackend:      {"The storage is temporarily unavailable.", "Хранилище временно недоступно."},
	domain.CodeUpstreamUnavailable: {"The course catalog is temporarily unavailable.", "Каталог курсов временно недоступен."},
	domain.CodeReconcileInProgress: {"Reconciliation is already running.", "Сверка уже выполняется."},
	domain.CodeInternal:            {"Internal server error.", "Внутренняя ошибка сервера."},
}

func init() {
	for code, tr := range translations {
		_ = messages.SetString(language.English, string(code), tr[0])
		_ = messages.SetString(language.Russian, string(code), tr[1])
	}
}

// Match выбирает поддерживаемый язык по значению Accept-Language.
func Match(acceptLanguage string) language.Tag {
	_, idx, _ := matcher.Match(parse(acceptLanguage)...)
	return supported[idx]
}

func parse(acceptLanguage string) []language.Tag {
	tags, _, err := language.ParseAcceptLanguage(acceptLanguage)
	if err != nil || len(tags) == 0 {
		return []language.Tag{language.English}
	}
	return tags
}

// Message возвращает локализованный текст для кода ошибки.
func Message(tag language.Tag, code domain.ErrorCode) string {
	p := message.NewPrinter(tag, message.Catalog(messages))
	return p.Sprintf(string(code))
}
