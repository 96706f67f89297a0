package validator

import (
	"reflect"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Validator instance
var validate *validator.Validate

// msisdnPattern accepts E.164 numbers with or without the leading plus.
var msisdnPattern = regexp.MustCompile(`^\+?[1-9][0-9]{7,14}$`)

func init() {
	validate = validator.New()

	// Use JSON tag names in error messages
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	registerCustomValidations()
}

func oneOf(values ...string) validator.Func {
	return func(fl validator.FieldLevel) bool {
		v := fl.Field().String()
		for _, allowed := range values {
			if v == allowed {
				return true
			}
		}
		return false
	}
}

func registerCustomValidations() {
	validate.RegisterValidation("provider", oneOf("mtn_momo", "orange_money", "wave", "flutterwave"))
	validate.RegisterValidation("account_role", oneOf("user", "agent", "platform"))
	validate.RegisterValidation("complaint_status", oneOf("upheld", "dismissed"))
	validate.RegisterValidation("resolution_action", oneOf("recredit", "reject"))
	validate.RegisterValidation("msisdn", func(fl validator.FieldLevel) bool {
		v := fl.Field().String()
		return v == "" || msisdnPattern.MatchString(v)
	})
	validate.RegisterValidation("timezone", func(fl validator.FieldLevel) bool {
		v := fl.Field().String()
		if v == "" {
			return true
		}
		_, err := time.LoadLocation(v)
		return err == nil
	})
}

// Validate validates a struct and returns a map of field errors
func Validate(s interface{}) map[string]string {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}

	validationErrors, ok := err.(validator.ValidationErrors)
	if !ok {
		return map[string]string{"_": err.Error()}
	}

	errors := make(map[string]string)
	for _, err := range validationErrors {
		field := err.Field()
		switch err.Tag() {
		case "required":
			errors[field] = "This field is required"
		case "gt":
			errors[field] = "Value must be greater than " + err.Param()
		case "gte":
			errors[field] = "Value must be at least " + err.Param()
		case "lte":
			errors[field] = "Value must be at most " + err.Param()
		case "max":
			errors[field] = "Value is too long (max: " + err.Param() + ")"
		case "provider":
			errors[field] = "Invalid provider. Must be: mtn_momo, orange_money, wave, or flutterwave"
		case "account_role":
			errors[field] = "Invalid role. Must be: user, agent, or platform"
		case "complaint_status":
			errors[field] = "Invalid status. Must be: upheld or dismissed"
		case "resolution_action":
			errors[field] = "Invalid action. Must be: recredit or reject"
		case "msisdn":
			errors[field] = "Invalid phone number"
		case "timezone":
			errors[field] = "Unknown time zone"
		default:
			errors[field] = "Invalid value"
		}
	}

	return errors
}
