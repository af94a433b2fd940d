package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"path"
	"path/filepath"
	"strings"
)

// RequestKey is the normalized identity of a request: "METHOD url", without
// the URL fragment.
func RequestKey(method string, u *url.URL) string {
	if u == nil {
		return strings.ToUpper(method) + " "
	}
	clean := *u
	clean.Fragment = ""
	clean.RawFragment = ""
	return strings.ToUpper(method) + " " + clean.String()
}

func splitKey(key string) (method, rawURL string) {
	method, rawURL, _ = strings.Cut(key, " ")
	return method, rawURL
}

func keyHash(key string) string {
	hash := sha256.Sum256([]byte(key))
	return hex.EncodeToString(hash[:])
}

// keyPath maps a key to a relative file path: host/path/METHOD_<keyhash>.bin.
// The folders only make the layout browsable, the file name alone identifies
// the key.
func keyPath(key string) string {
	method, rawURL := splitKey(key)
	u, err := url.Parse(rawURL)
	if err != nil || method == "" {
		return filepath.Join("_", keyHash(key)+".bin")
	}

	host := u.Host
	if host == "" {
		host = "_"
	}
	pathParts := []string{strings.ReplaceAll(host, ":", "_")}

	// Clean against "/" so ".." can never climb out of the generation folder
	if p := strings.Trim(path.Clean("/"+u.Path), "/"); p != "" {
		pathParts = append(pathParts, filepath.FromSlash(p))
	}

	pathParts = append(pathParts, method+"_"+keyHash(key)+".bin")
	return filepath.Join(pathParts...)
}
