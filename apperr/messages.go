package apperr

import "fmt"

const (
	msgServerFallback = "خطایی در سرور رخ داد. لطفاً دوباره تلاش کنید."
	msgNetwork        = "اتصال به سرور برقرار نشد. اتصال اینترنت خود را بررسی کنید."
	msgTimeout        = "پاسخی از سرور دریافت نشد. لطفاً دوباره تلاش کنید."
)

// ServerFallbackMessage is shown when the server failed without a message.
const ServerFallbackMessage = msgServerFallback

// Validation builds a KindValidation error.
func Validation(code, message string) *Error {
	return &Error{
		Kind:    KindValidation,
		Code:    code,
		Message: message,
		Action:  "مقدار وارد شده را اصلاح کنید و دوباره ارسال کنید.",
	}
}

// InvalidPhone is returned for phone numbers that are not 0 followed by 10 digits.
func InvalidPhone() *Error {
	return Validation(CodeInvalidPhone, "شماره موبایل باید ۱۱ رقم و با ۰ شروع شود.")
}

// EmptyCode is returned when the OTP field is blank.
func EmptyCode() *Error {
	return Validation(CodeEmptyCode, "کد تأیید را وارد کنید.")
}

// InvalidCode is returned when the OTP field holds non-digits.
func InvalidCode() *Error {
	return Validation(CodeInvalidCode, "کد تأیید فقط باید شامل رقم باشد.")
}

// NotSent is returned when a code is submitted before one was requested.
func NotSent() *Error {
	return Validation(CodeNotSent, "ابتدا شماره موبایل خود را ارسال کنید.")
}

// Network wraps a transport failure.
func Network(err error) *Error {
	return &Error{
		Kind:    KindNetwork,
		Code:    CodeUnreachable,
		Message: msgNetwork,
		Action:  "پس از بررسی اتصال دوباره تلاش کنید.",
		Err:     err,
	}
}

// Timeout wraps a request that exceeded its deadline.
func Timeout(err error) *Error {
	return &Error{
		Kind:    KindNetwork,
		Code:    CodeTimeout,
		Message: msgTimeout,
		Action:  "چند لحظه بعد دوباره تلاش کنید.",
		Err:     err,
	}
}

// Server builds a KindServer error. An empty message falls back to the
// generic one.
func Server(status int, message string) *Error {
	if message == "" {
		message = msgServerFallback
	}
	return &Error{
		Kind:    KindServer,
		Code:    CodeRejected,
		Message: message,
		Action:  "اطلاعات را بررسی کرده و دوباره ارسال کنید.",
		Status:  status,
	}
}

// BadResponse wraps a response body that could not be understood.
func BadResponse(status int, err error) *Error {
	return &Error{
		Kind:    KindServer,
		Code:    CodeBadResponse,
		Message: msgServerFallback,
		Action:  "چند لحظه بعد دوباره تلاش کنید.",
		Status:  status,
		Err:     err,
	}
}

// NoSession is returned by operations that need a logged-in user.
func NoSession() *Error {
	return &Error{
		Kind:    KindAuthorization,
		Code:    CodeNoSession,
		Message: "ابتدا وارد حساب کاربری خود شوید.",
		Action:  "دوباره وارد شوید.",
	}
}

// RoleMismatch is returned when the session role may not use a panel.
func RoleMismatch(required, actual string) *Error {
	return &Error{
		Kind:    KindAuthorization,
		Code:    CodeRoleMismatch,
		Message: fmt.Sprintf("این بخش برای نقش %s است (نقش فعلی: %s).", required, actual),
		Action:  "به پنل خود بروید.",
	}
}

// CorruptSession wraps a persisted record that failed to open or parse.
func CorruptSession(err error) *Error {
	return &Error{
		Kind:    KindIntegrity,
		Code:    CodeCorruptSession,
		Message: "اطلاعات ورود ذخیره شده معتبر نیست.",
		Action:  "دوباره وارد شوید.",
		Err:     err,
	}
}

// IncompleteUser is returned when a user record has no role after resolution.
func IncompleteUser() *Error {
	return &Error{
		Kind:    KindIntegrity,
		Code:    CodeIncompleteUser,
		Message: "اطلاعات حساب کاربری کامل نیست.",
		Action:  "دوباره وارد شوید.",
	}
}

// InvalidProfile is returned for profile fields that fail validation.
func InvalidProfile(message string) *Error {
	return Validation(CodeInvalidProfile, message)
}

// InvalidCallback is returned when a payment redirect lacks its parameters.
func InvalidCallback() *Error {
	return Validation(CodeInvalidCallback, "اطلاعات بازگشت از درگاه پرداخت ناقص است.")
}

// SessionChanged is returned when the session was replaced or cleared while
// an update for it was in flight.
func SessionChanged() *Error {
	return &Error{
		Kind:    KindAuthorization,
		Code:    CodeSessionChanged,
		Message: "حساب کاربری در این دستگاه تغییر کرده است.",
		Action:  "صفحه را دوباره بارگذاری کنید.",
	}
}

// Internal wraps a local failure such as a request that could not be built.
func Internal(err error) *Error {
	return &Error{
		Kind:    KindInternal,
		Code:    CodeInternal,
		Message: msgServerFallback,
		Action:  "چند لحظه بعد دوباره تلاش کنید.",
		Err:     err,
	}
}
