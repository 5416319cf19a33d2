package gps

import "fmt"

// ChecksumError reports a sentence whose XOR checksum did not match its
// trailing hex token. The line is discarded; the rest of the batch is not.
type ChecksumError struct {
	Line string
	Want byte
	Got  byte
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("nmea: checksum mismatch want=%02X got=%02X: %q", e.Want, e.Got, e.Line)
}

// ParseError reports a malformed field within one sentence.
type ParseError struct {
	Sentence string
	Field    int
	Err      error
}

func (e *ParseError) Error() string {
	if e.Field < 0 {
		return fmt.Sprintf("nmea: %s: %v", e.Sentence, e.Err)
	}
	return fmt.Sprintf("nmea: %s field %d: %v", e.Sentence, e.Field, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }
