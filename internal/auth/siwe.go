package auth

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// SIWE 默认值
const (
	DefaultSiweDomain  = "localhost"
	DefaultSiweVersion = "1"
	DefaultSiweChainID = 1
)

const siweHeaderSuffix = " wants you to sign in with your Ethereum account:"

// SiweTimeFormat ISO-8601 毫秒精度
const SiweTimeFormat = "2006-01-02T15:04:05.000Z07:00"

// SiweMessage EIP-4361 登录消息
type SiweMessage struct {
	Domain         string
	Address        string
	Statement      string
	URI            string
	Version        string
	ChainID        int64
	Nonce          string
	IssuedAt       string
	ExpirationTime string
	NotBefore      string
	RequestID      string
	Resources      []string
}

// FormatSiweTime 按消息格式输出时间
func FormatSiweTime(t time.Time) string {
	return t.UTC().Format(SiweTimeFormat)
}

// String 序列化为待签名文本
func (m *SiweMessage) String() string {
	domain := m.Domain
	if domain == "" {
		domain = DefaultSiweDomain
	}
	version := m.Version
	if version == "" {
		version = DefaultSiweVersion
	}
	chainID := m.ChainID
	if chainID == 0 {
		chainID = DefaultSiweChainID
	}

	var sb strings.Builder
	sb.WriteString(domain + siweHeaderSuffix + "\n")
	sb.WriteString(m.Address + "\n\n")
	if m.Statement != "" {
		sb.WriteString(m.Statement + "\n\n")
	}
	sb.WriteString("URI: " + m.URI + "\n")
	sb.WriteString("Version: " + version + "\n")
	sb.WriteString(fmt.Sprintf("Chain ID: %d\n", chainID))
	sb.WriteString("Nonce: " + m.Nonce + "\n")
	sb.WriteString("Issued At: " + m.IssuedAt)
	if m.ExpirationTime != "" {
		sb.WriteString("\nExpiration Time: " + m.ExpirationTime)
	}
	if m.NotBefore != "" {
		sb.WriteString("\nNot Before: " + m.NotBefore)
	}
	if m.RequestID != "" {
		sb.WriteString("\nRequest ID: " + m.RequestID)
	}
	if len(m.Resources) > 0 {
		sb.WriteString("\nResources:")
		for _, r := range m.Resources {
			sb.WriteString("\n- " + r)
		}
	}
	return sb.String()
}

// ParseSiweMessage 尽力解析 SIWE 文本，缺失字段取默认值
func ParseSiweMessage(s string) *SiweMessage {
	m := &SiweMessage{
		Domain:  DefaultSiweDomain,
		Version: DefaultSiweVersion,
		ChainID: DefaultSiweChainID,
	}

	lines := strings.Split(strings.ReplaceAll(s, "\r\n", "\n"), "\n")
	i := 0
	if i < len(lines) && strings.HasSuffix(lines[i], siweHeaderSuffix) {
		if d := strings.TrimSuffix(lines[i], siweHeaderSuffix); d != "" {
			m.Domain = d
		}
		i++
		if i < len(lines) {
			m.Address = strings.TrimSpace(lines[i])
			i++
		}
	}

	var statement []string
	inResources := false
	for ; i < len(lines); i++ {
		line := lines[i]
		if inResources {
			if strings.HasPrefix(line, "- ") {
				m.Resources = append(m.Resources, strings.TrimPrefix(line, "- "))
				continue
			}
			inResources = false
		}

		key, value, found := strings.Cut(line, ": ")
		switch {
		case line == "Resources:":
			inResources = true
		case found && key == "URI":
			m.URI = value
		case found && key == "Version":
			m.Version = value
		case found && key == "Chain ID":
			if id, err := strconv.ParseInt(value, 10, 64); err == nil {
				m.ChainID = id
			}
		case found && key == "Nonce":
			m.Nonce = value
		case found && key == "Issued At":
			m.IssuedAt = value
		case found && key == "Expiration Time":
			m.ExpirationTime = value
		case found && key == "Not Before":
			m.NotBefore = value
		case found && key == "Request ID":
			m.RequestID = value
		case m.URI == "" && strings.TrimSpace(line) != "":
			statement = append(statement, line)
		}
	}
	m.Statement = strings.Join(statement, "\n")
	return m
}

// Expiration 解析过期时间
func (m *SiweMessage) Expiration() (time.Time, error) {
	return parseSiweTime(m.ExpirationTime)
}

func parseSiweTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, errors.New("missing timestamp")
	}
	return time.Parse(time.RFC3339Nano, s)
}
