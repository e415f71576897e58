package channel

import (
	"io"

	"github.com/mdp/qrterminal/v3"
	"github.com/skip2/go-qrcode"
	"github.com/vincent-petithory/dataurl"
)

// PrintPairingCode renders code as a half-block QR code on w.
func PrintPairingCode(w io.Writer, code string) {
	qrterminal.GenerateHalfBlock(code, qrterminal.L, w)
}

// PairingImage encodes code as a PNG data URL.
func PairingImage(code string) (string, error) {
	png, err := qrcode.Encode(code, qrcode.Medium, 256)
	if err != nil {
		return "", err
	}
	return dataurl.New(png, "image/png").String(), nil
}
