package sscrypto

import "crypto/md5"

// evpBytesToKey is OpenSSL's EVP_BytesToKey with MD5, one iteration and no salt.
func evpBytesToKey(password string, keyLen int) []byte {
	var derived, prev []byte
	h := md5.New()
	for len(derived) < keyLen {
		h.Write(prev)
		h.Write([]byte(password))
		derived = h.Sum(derived)
		prev = derived[len(derived)-h.Size():]
		h.Reset()
	}
	return derived[:keyLen]
}
