package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/locales/en"
	"github.com/go-playground/locales/ru"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	en_translations "github.com/go-playground/validator/v10/translations/en"
	ru_translations "github.com/go-playground/validator/v10/translations/ru"

	"edustorage/internal/i18n"
	"edustorage/internal/validation"
)

const maxJSONBody = 1 << 20

// RequestValidator проверяет тела запросов и переводит ошибки полей.
type RequestValidator struct {
	validate *validator.Validate
	uni      *ut.UniversalTranslator
}

func NewRequestValidator() (*RequestValidator, error) {
	v := validator.New(validator.WithRequiredStructEnabled())

	// В ошибках поля называются так же, как в JSON
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return fld.Name
		}
		return name
	})

	if err := v.RegisterValidation("userid", func(fl validator.FieldLevel) bool {
		return validation.ValidOwnerID(fl.Field().String())
	}); err != nil {
		return nil, fmt.Errorf("failed to register userid rule: %w", err)
	}

	enLocale := en.New()
	uni := ut.New(enLocale, enLocale, ru.New())

	enTrans, _ := uni.GetTranslator("en")
	if err := en_translations.RegisterDefaultTranslations(v, enTrans); err != nil {
		return nil, fmt.Errorf("failed to register en translations: %w", err)
	}
	ruTrans, _ := uni.GetTranslator("ru")
	if err := ru_translations.RegisterDefaultTranslations(v, ruTrans); err != nil {
		return nil, fmt.Errorf("failed to register ru translations: %w", err)
	}

	if err := registerMessage(v, enTrans, "userid", "{0} may contain only letters, digits, '-' and '_'"); err != nil {
		return nil, err
	}
	if err := registerMessage(v, ruTrans, "userid", "{0} может содержать только буквы, цифры, '-' и '_'"); err != nil {
		return nil, err
	}

	return &RequestValidator{validate: v, uni: uni}, nil
}

func registerMessage(v *validator.Validate, trans ut.Translator, tag, text string) error {
	err := v.RegisterTranslation(tag, trans,
		func(ut ut.Translator) error {
			return ut.Add(tag, text, true)
		},
		func(ut ut.Translator, fe validator.FieldError) string {
			msg, err := ut.T(tag, fe.Field())
			if err != nil {
				return fe.Error()
			}
			return msg
		})
	if err != nil {
		return fmt.Errorf("failed to register %s translation: %w", tag, err)
	}
	return nil
}

// Struct возвращает переведённые ошибки по полям или nil.
func (rv *RequestValidator) Struct(r *http.Request, s any) map[string]string {
	err := rv.validate.Struct(s)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return map[string]string{"body": err.Error()}
	}

	trans, _ := rv.uni.GetTranslator(i18n.Match(r.Header.Get("Accept-Language")).String())
	out := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		out[fe.Field()] = fe.Translate(trans)
	}
	return out
}

// decodeJSON читает JSON тело и проверяет его. При ошибке ответ уже записан.
func (rv *RequestValidator) decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeValidationError(w, r, map[string]string{"body": "invalid JSON body"})
		return false
	}
	if details := rv.Struct(r, dst); details != nil {
		writeValidationError(w, r, details)
		return false
	}
	return true
}
