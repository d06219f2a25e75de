package gatekeeper

import "fmt"

// SMTPCode is an SMTP reply code, RFC 5321 section 4.2.
// 2yz success, 3yz continue, 4yz transient failure, 5yz permanent.
type SMTPCode int

const (
	// 2xx - Success
	CodeHelpMessage    SMTPCode = 214
	CodeServiceReady   SMTPCode = 220
	CodeServiceClosing SMTPCode = 221
	CodeAuthSuccess    SMTPCode = 235
	CodeOK             SMTPCode = 250
	CodeCannotVRFY     SMTPCode = 252

	// 3xx - Intermediate
	CodeAuthContinue   SMTPCode = 334
	CodeStartMailInput SMTPCode = 354

	// 4xx - Transient failure
	CodeServiceUnavailable  SMTPCode = 421
	CodeMailboxUnavailable  SMTPCode = 450
	CodeLocalError          SMTPCode = 451
	CodeInsufficientStorage SMTPCode = 452

	// 5xx - Permanent failure
	CodeCommandUnrecognized    SMTPCode = 500
	CodeSyntaxError            SMTPCode = 501
	CodeCommandNotImplemented  SMTPCode = 502
	CodeBadSequence            SMTPCode = 503
	CodeParameterNotImpl       SMTPCode = 504
	CodeAuthRequired           SMTPCode = 530
	CodeAuthCredentialsInvalid SMTPCode = 535
	CodeMailboxNotFound        SMTPCode = 550
	CodeExceededStorage        SMTPCode = 552
	CodeMailboxNameInvalid     SMTPCode = 553
	CodeTransactionFailed      SMTPCode = 554
	CodeParamsNotRecognized    SMTPCode = 555
)

// EnhancedCode is an enhanced status code, RFC 3463 / RFC 2034,
// formatted "class.subject.detail".
type EnhancedCode string

const (
	ESCSuccess         EnhancedCode = "2.0.0"
	ESCAddressValid    EnhancedCode = "2.1.0"
	ESCRecipientValid  EnhancedCode = "2.1.5"
	ESCMessageAccepted EnhancedCode = "2.6.0"
	ESCSecuritySuccess EnhancedCode = "2.7.0"

	ESCTempLocalError        EnhancedCode = "4.3.0"
	ESCTempSystemNotCapable  EnhancedCode = "4.3.5"
	ESCTooManyRecipients     EnhancedCode = "4.5.3"
	ESCTempPolicy            EnhancedCode = "4.7.0"
	ESCGreylisted            EnhancedCode = "4.7.1"
	ESCRateLimited           EnhancedCode = "4.7.28"

	ESCPermFailure            EnhancedCode = "5.0.0"
	ESCMailSystemFull         EnhancedCode = "5.3.4"
	ESCRoutingLoop            EnhancedCode = "5.4.6"
	ESCBadCommandSequence     EnhancedCode = "5.5.1"
	ESCSyntaxError            EnhancedCode = "5.5.2"
	ESCInvalidArgs            EnhancedCode = "5.5.4"
	ESCContentError           EnhancedCode = "5.6.0"
	ESCNonASCIINoSMTPUTF8     EnhancedCode = "5.6.7"
	ESCSecurityError          EnhancedCode = "5.7.0"
	ESCPolicyRejection        EnhancedCode = "5.7.1"
	ESCAuthCredentialsInvalid EnhancedCode = "5.7.8"
	ESCEncryptionRequired     EnhancedCode = "5.7.11"
)

// Response is one SMTP reply line.
type Response struct {
	Code         SMTPCode
	EnhancedCode EnhancedCode
	Message      string
}

// String formats the reply without the trailing CRLF.
func (r Response) String() string {
	if r.EnhancedCode != "" {
		return fmt.Sprintf("%d %s %s", r.Code, r.EnhancedCode, r.Message)
	}
	return fmt.Sprintf("%d %s", r.Code, r.Message)
}

// IsError reports a 4xx or 5xx code.
func (r Response) IsError() bool { return r.Code >= 400 }

// IsPermanent reports a 5xx code.
func (r Response) IsPermanent() bool { return r.Code >= 500 }

func respOK(message string, esc EnhancedCode) Response {
	return Response{Code: CodeOK, EnhancedCode: esc, Message: message}
}

func respSyntax(message string) Response {
	return Response{Code: CodeSyntaxError, EnhancedCode: ESCSyntaxError, Message: message}
}

func respBadSequence(message string) Response {
	return Response{Code: CodeBadSequence, EnhancedCode: ESCBadCommandSequence, Message: message}
}

func respNotImplemented(command string) Response {
	return Response{Code: CodeCommandNotImplemented, EnhancedCode: ESCInvalidArgs, Message: command + " not implemented"}
}

func respReject(message string) Response {
	return Response{Code: CodeMailboxNotFound, EnhancedCode: ESCPolicyRejection, Message: message}
}

func respDefer(message string, esc EnhancedCode) Response {
	return Response{Code: CodeLocalError, EnhancedCode: esc, Message: message}
}

func respLocalError(message string) Response {
	return Response{Code: CodeLocalError, EnhancedCode: ESCTempLocalError, Message: message}
}

func respTooLarge() Response {
	return Response{Code: CodeExceededStorage, EnhancedCode: ESCMailSystemFull, Message: "Message too large"}
}
