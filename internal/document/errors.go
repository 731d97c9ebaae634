package document

import "fmt"

// Error はAPIレスポンスに変換可能な検証・処理エラーです。
type Error struct {
	Code    string // FILE_TOO_LARGE / UNSUPPORTED_FORMAT / EMPTY_FILE など
	Message string // 利用者向けメッセージ
	Err     error  // 内部原因（レスポンスには含めない）
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
	return &Error{
		Code:    code,
		Message: message,
		Err:     err,
	}
}
