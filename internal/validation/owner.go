package validation

import (
	"unicode"
	"unicode/utf8"

	"edustorage/internal/domain"
)

const MaxOwnerIDLength = 128

// ValidOwnerID сообщает, годится ли идентификатор владельца для ключей
// хранилища: только буквы, цифры, "-" и "_".
func ValidOwnerID(id string) bool {
	if id == "" || utf8.RuneCountInString(id) > MaxOwnerIDLength {
		return false
	}
	for _, r := range id {
		if r == '-' || r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r) {
			continue
		}
		return false
	}
	return true
}

func ValidateOwnerID(id string) *domain.Error {
	if ValidOwnerID(id) {
		return nil
	}
	return domain.NewError(domain.CodeValidation, "invalid user id").WithDetail("userId", id)
}
