package validate

import (
	"errors"
	"reflect"
	"sort"
	"strings"
	"sync"

	"consultline/internal/apperr"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	enTranslations "github.com/go-playground/validator/v10/translations/en"
)

// Validator wraps go-playground/validator with json field names and English
// messages. Failures are returned as apperr validation errors.
type Validator struct {
	validate   *validator.Validate
	translator ut.Translator
}

func New() *Validator {
	v := validator.New()

	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		tag := field.Tag.Get("json")
		if tag == "" {
			return field.Name
		}
		name := strings.SplitN(tag, ",", 2)[0]
		if name == "-" || name == "" {
			return field.Name
		}
		return name
	})

	english := en.New()
	uni := ut.New(english, english)
	trans, _ := uni.GetTranslator("en")

	if err := enTranslations.RegisterDefaultTranslations(v, trans); err != nil {
		panic("failed to register validator default translations: " + err.Error())
	}
	return &Validator{validate: v, translator: trans}
}

var (
	defaultOnce sync.Once
	defaultV    *Validator
)

// Default returns a process-wide validator.
func Default() *Validator {
	defaultOnce.Do(func() { defaultV = New() })
	return defaultV
}

// Struct validates s. Field errors are joined in field order.
func (v *Validator) Struct(s any) error {
	err := v.validate.Struct(s)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return apperr.Validation("%s", err.Error())
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fe.Translate(v.translator))
	}
	sort.Strings(msgs)
	return apperr.Validation("%s", strings.Join(msgs, "; "))
}

// Struct validates s with the default validator.
func Struct(s any) error { return Default().Struct(s) }
