package webrtc

import (
	"crypto"
	"crypto/x509"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/pion/dtls/v2/pkg/crypto/fingerprint"
	"github.com/pion/dtls/v2/pkg/crypto/selfsign"
	"github.com/pion/sdp/v3"
)

// PlaceholderFingerprint подставляется вместо отсутствующего или обрезанного
// fingerprint удаленного описания (32 октета, формат SHA-256)
const PlaceholderFingerprint = "00:11:22:33:44:55:66:77:88:99:AA:BB:CC:DD:EE:FF:00:11:22:33:44:55:66:77:88:99:AA:BB:CC:DD:EE:FF"

const defaultFingerprintAlgorithm = "SHA-256"

var (
	fingerprintLine = regexp.MustCompile(`(?i)^a=fingerprint:(\S+)(?:\s+(.*))?$`)
	fingerprintHex  = regexp.MustCompile(`(?i)^[a-f0-9:]+`)
	mediaLine       = regexp.MustCompile(`(?i)^m=(audio|video)`)
)

// Repair результат исправления описания сессии
type Repair int

const (
	RepairNone Repair = iota
	// RepairReplaced пустой fingerprint заменен, лишние пустые удалены
	RepairReplaced
	// RepairInserted fingerprint отсутствовал и добавлен после первой m= строки
	RepairInserted
)

func (r Repair) String() string {
	switch r {
	case RepairReplaced:
		return "replaced"
	case RepairInserted:
		return "inserted"
	}
	return "none"
}

// knownAlgorithm проверяет имя хэш-функции fingerprint
func knownAlgorithm(alg string) bool {
	_, err := fingerprint.HashFromString(strings.ToLower(alg))
	return err == nil
}

// RepairFingerprint исправляет описание сессии от сервера, который присылает
// "a=fingerprint:SHA-256" без значения или не присылает fingerprint вовсе.
// Описание никогда не отклоняется: в худшем случае возвращается как есть.
// Строки объединяются через CRLF.
func RepairFingerprint(desc string) (string, Repair) {
	if desc == "" {
		return desc, RepairNone
	}

	lines := strings.Split(strings.ReplaceAll(desc, "\r\n", "\n"), "\n")
	algorithm := defaultFingerprintAlgorithm
	var malformed []int
	firstMedia := -1

	for i, line := range lines {
		if firstMedia < 0 && mediaLine.MatchString(line) {
			firstMedia = i
		}
		m := fingerprintLine.FindStringSubmatch(line)
		if m == nil || !knownAlgorithm(m[1]) {
			continue
		}
		value := strings.TrimSpace(m[2])
		if value != "" && fingerprintHex.MatchString(value) {
			// есть корректный fingerprint, исправлять нечего
			return desc, RepairNone
		}
		if value == "" {
			malformed = append(malformed, i)
			algorithm = m[1]
		}
	}

	switch {
	case len(malformed) > 0:
		lines[malformed[0]] = "a=fingerprint:" + algorithm + " " + PlaceholderFingerprint
		for i := len(malformed) - 1; i > 0; i-- {
			lines = append(lines[:malformed[i]], lines[malformed[i]+1:]...)
		}
		return strings.Join(lines, "\r\n"), RepairReplaced

	case firstMedia >= 0:
		at := firstMedia + 1
		for i := firstMedia + 1; i < len(lines); i++ {
			if strings.HasPrefix(lines[i], "a=") || strings.HasPrefix(lines[i], "m=") {
				at = i
				break
			}
		}
		line := "a=fingerprint:" + algorithm + " " + PlaceholderFingerprint
		lines = append(lines[:at], append([]string{line}, lines[at:]...)...)
		return strings.Join(lines, "\r\n"), RepairInserted
	}
	return desc, RepairNone
}

// Certificate локальный DTLS сертификат и его fingerprint для описаний сессии
type Certificate struct {
	Algorithm   string
	Fingerprint string
}

// NewCertificate выпускает самоподписанный сертификат
func NewCertificate() (Certificate, error) {
	cert, err := selfsign.GenerateSelfSigned()
	if err != nil {
		return Certificate{}, fmt.Errorf("ошибка создания сертификата: %w", err)
	}
	if len(cert.Certificate) == 0 {
		return Certificate{}, fmt.Errorf("пустая цепочка сертификата")
	}
	x509Cert, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		return Certificate{}, fmt.Errorf("ошибка разбора сертификата: %w", err)
	}
	fp, err := fingerprint.Fingerprint(x509Cert, crypto.SHA256)
	if err != nil {
		return Certificate{}, fmt.Errorf("ошибка вычисления fingerprint: %w", err)
	}
	return Certificate{Algorithm: "sha-256", Fingerprint: fp}, nil
}

// localDescription аудио-описание с кодеками G.711 и telephone-event
func localDescription(cert Certificate, setup string) ([]byte, error) {
	desc, err := sdp.NewJSEPSessionDescription(false)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания базового SDP: %w", err)
	}
	version := uint64(time.Now().Unix())
	desc.Origin.SessionID = version
	desc.Origin.SessionVersion = version

	audio := sdp.NewJSEPMediaDescription("audio", []string{}).
		WithCodec(0, "PCMU", 8000, 0, "").
		WithCodec(8, "PCMA", 8000, 0, "").
		WithCodec(101, "telephone-event", 8000, 0, "0-16").
		WithPropertyAttribute("sendrecv").
		WithPropertyAttribute(sdp.AttrKeyRTCPMux).
		WithValueAttribute("setup", setup)
	if cert.Fingerprint != "" {
		audio = audio.WithFingerprint(cert.Algorithm, cert.Fingerprint)
	}
	desc = desc.WithMedia(audio)

	return desc.Marshal()
}

// BuildOffer локальное предложение для исходящего вызова
func BuildOffer(cert Certificate) ([]byte, error) {
	return localDescription(cert, "actpass")
}

// BuildAnswer локальный ответ на предложение удаленной стороны
func BuildAnswer(cert Certificate, offer *sdp.SessionDescription) ([]byte, error) {
	if offer == nil {
		return nil, fmt.Errorf("offer не может быть nil")
	}
	hasAudio := false
	for _, m := range offer.MediaDescriptions {
		if m.MediaName.Media == "audio" {
			hasAudio = true
			break
		}
	}
	if !hasAudio {
		return nil, fmt.Errorf("аудио медиа не найдено в offer")
	}
	return localDescription(cert, "active")
}

// ParseRemote исправляет fingerprint и разбирает удаленное описание.
// Ошибка разбора не отменяет исправление: возвращается исправленный текст.
func ParseRemote(body []byte, logger *slog.Logger) (string, *sdp.SessionDescription, error) {
	fixed, repair := RepairFingerprint(string(body))
	if repair != RepairNone && logger != nil {
		logger.Warn("Исправлен fingerprint в SDP удаленной стороны",
			slog.String("repair", repair.String()))
	}
	desc := &sdp.SessionDescription{}
	if err := desc.Unmarshal([]byte(fixed)); err != nil {
		return fixed, nil, fmt.Errorf("ошибка разбора SDP: %w", err)
	}
	return fixed, desc, nil
}
