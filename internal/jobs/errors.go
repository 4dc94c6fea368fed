package jobs

import (
	"errors"
	"fmt"
)

// ErrJobNotFound はジョブの台帳も出力も存在しない場合に返されます。
var ErrJobNotFound = errors.New("job not found")

// Error は利用者に返すエラーです。Message は画面表示用です。
type Error struct {
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}
