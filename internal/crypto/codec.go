// Package crypto はユーザー資格情報の暗号化・復号を提供する。
//
// マスターパスフレーズからscryptで256ビット鍵を導出し、
// 値ごとにランダムIVを生成してAES-256-CBCで暗号化する。
// 保存形式は "<ivHex>:<cipherHex>"。
// ソルトは固定だが、マスターキー自体に32文字以上を要求することで補う
// （設定読み込み時に強制される）。
package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/scrypt"

	"github.com/hitoshi/marketrelay/internal/model"
)

const (
	// keyLength は導出する鍵長（AES-256）。
	keyLength = 32
	// ivLength はAES-CBCのIV長。
	ivLength = aes.BlockSize
	// kdfSalt は鍵導出の固定ソルト。保存済みデータとの互換のため変更不可。
	kdfSalt = "salt"

	// scryptのコストパラメータ。
	scryptN = 16384
	scryptR = 8
	scryptP = 1
)

// Codec は資格情報の対称暗号化を行う。
// 鍵導出はコストが高いため、生成時に1回だけ行い導出鍵を保持する。
type Codec struct {
	key []byte
}

// NewCodec はマスターキーから鍵を導出してCodecを生成する。
func NewCodec(masterKey string) (*Codec, error) {
	if masterKey == "" {
		return nil, fmt.Errorf("マスターキーが空です")
	}
	key, err := scrypt.Key([]byte(masterKey), []byte(kdfSalt), scryptN, scryptR, scryptP, keyLength)
	if err != nil {
		return nil, fmt.Errorf("鍵導出に失敗しました: %w", err)
	}
	return &Codec{key: key}, nil
}

// Encrypt は平文を暗号化し "<ivHex>:<cipherHex>" 形式で返す。
// IVは呼び出しごとにランダム生成するため、同一平文でも毎回異なる暗号文になる。
func (c *Codec) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", fmt.Errorf("平文が空です")
	}

	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", fmt.Errorf("暗号器の初期化に失敗しました: %w", err)
	}

	iv := make([]byte, ivLength)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("IVの生成に失敗しました: %w", err)
	}

	padded := pkcs7Pad([]byte(plaintext), aes.BlockSize)
	encrypted := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(encrypted, padded)

	return hex.EncodeToString(iv) + ":" + hex.EncodeToString(encrypted), nil
}

// Decrypt は "<ivHex>:<cipherHex>" 形式の暗号文を復号する。
// 形式不正・鍵不一致の場合はmodel.ErrDecryptionを返す。
// エラーメッセージに暗号文・平文の内容は含めない。
func (c *Codec) Decrypt(encoded string) (string, error) {
	parts := strings.SplitN(encoded, ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", fmt.Errorf("%w: 区切り文字が不正です", model.ErrDecryption)
	}

	iv, err := hex.DecodeString(parts[0])
	if err != nil {
		return "", fmt.Errorf("%w: IVのデコードに失敗しました", model.ErrDecryption)
	}
	if len(iv) != ivLength {
		return "", fmt.Errorf("%w: IV長が不正です", model.ErrDecryption)
	}

	encrypted, err := hex.DecodeString(parts[1])
	if err != nil {
		return "", fmt.Errorf("%w: 暗号文のデコードに失敗しました", model.ErrDecryption)
	}
	if len(encrypted) == 0 || len(encrypted)%aes.BlockSize != 0 {
		return "", fmt.Errorf("%w: 暗号文長が不正です", model.ErrDecryption)
	}

	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", fmt.Errorf("%w: 暗号器の初期化に失敗しました", model.ErrDecryption)
	}

	decrypted := make([]byte, len(encrypted))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(decrypted, encrypted)

	plaintext, err := pkcs7Unpad(decrypted, aes.BlockSize)
	if err != nil {
		// パディング不正はマスターキー変更か保存値の破損を意味する
		return "", fmt.Errorf("%w: パディングが不正です", model.ErrDecryption)
	}

	return string(plaintext), nil
}

// pkcs7Pad はPKCS#7パディングを付与する。
func pkcs7Pad(data []byte, blockSize int) []byte {
	padding := blockSize - len(data)%blockSize
	return append(data, bytes.Repeat([]byte{byte(padding)}, padding)...)
}

// pkcs7Unpad はPKCS#7パディングを検証して除去する。
func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, fmt.Errorf("invalid padded length")
	}
	padding := int(data[len(data)-1])
	if padding == 0 || padding > blockSize {
		return nil, fmt.Errorf("invalid padding byte")
	}
	for _, b := range data[len(data)-padding:] {
		if int(b) != padding {
			return nil, fmt.Errorf("inconsistent padding")
		}
	}
	return data[:len(data)-padding], nil
}
