package handler

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/alanyoungcy/pricepredict/internal/units"
)

var (
	handlePattern   = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)
	hexBytesPattern = regexp.MustCompile(`^0x([0-9a-fA-F]{2})*$`)
)

var validate = newValidator()

// newValidator registers the request tags:
//
//	handle   0x-prefixed 32-byte hex
//	hexbytes 0x-prefixed hex of whole bytes, "0x" allowed
//	ether    decimal ether amount with at most 18 decimals
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("handle", func(fl validator.FieldLevel) bool {
		return handlePattern.MatchString(fl.Field().String())
	})
	_ = v.RegisterValidation("hexbytes", func(fl validator.FieldLevel) bool {
		return hexBytesPattern.MatchString(fl.Field().String())
	})
	_ = v.RegisterValidation("ether", func(fl validator.FieldLevel) bool {
		_, err := units.ParseEther(fl.Field().String())
		return err == nil
	})
	return v
}

// validationMessage renders the first failing field as "<field>: <tag>".
func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		if fe.Param() != "" {
			return fmt.Sprintf("%s: failed %s=%s", fe.Field(), fe.Tag(), fe.Param())
		}
		return fmt.Sprintf("%s: failed %s", fe.Field(), fe.Tag())
	}
	return "invalid request"
}
