package badge

import (
	"fmt"
	"strings"

	"github.com/skip2/go-qrcode"
)

// DefaultSize is the PNG edge length in pixels.
const DefaultSize = 300

// Payload is the text a badge encodes, in the form scanners parse back.
func Payload(name, program string) (string, error) {
	name, program = strings.TrimSpace(name), strings.TrimSpace(program)
	if name == "" || program == "" {
		return "", fmt.Errorf("badge needs a name and a program")
	}
	if strings.Contains(name, ",") || strings.Contains(program, ",") {
		return "", fmt.Errorf("badge fields cannot contain commas")
	}
	return name + "," + program + ",,", nil
}

// PNG renders a student's badge as a QR code image.
func PNG(name, program string, size int) ([]byte, error) {
	payload, err := Payload(name, program)
	if err != nil {
		return nil, err
	}
	if size <= 0 {
		size = DefaultSize
	}
	return qrcode.Encode(payload, qrcode.Medium, size)
}
