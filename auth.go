package binlog

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"hash"
	"net"

	"github.com/juju/errors"
)

// auth more data statuses of caching_sha2_password
const (
	fastAuthSuccess = 3
	fullAuthNeeded  = 4
)

const authSwitchMarker = 0xfe

// authExchange is one run of the password exchange of a session. The
// plugin and scramble change when the server asks to switch plugins.
type authExchange struct {
	s        *session
	plugin   string
	password []byte
	scramble []byte
	switched bool
}

// authenticate sends the credentials and runs the auth plugin exchange
// until the server accepts or rejects them.
func (s *session) authenticate(username, password, database string) error {
	s.authFlow = nil
	plugin, err := authPlugin(s.hs.authPluginName)
	if err != nil {
		return err
	}
	a := &authExchange{s: s, plugin: plugin, password: []byte(password), scramble: s.hs.authPluginData}
	s.authFlow = append(s.authFlow, plugin)
	authResponse, err := s.encryptPassword(plugin, a.password, a.scramble)
	if err != nil {
		return err
	}
	err = s.write(handshakeResponse41{
		capabilityFlags: s.capabilities(),
		maxPacketSize:   maxPacketSize,
		characterSet:    s.hs.characterSet,
		username:        username,
		authResponse:    authResponse,
		database:        database,
		authPluginName:  plugin,
	})
	if err != nil {
		return err
	}
	if err := a.run(); err != nil {
		return err
	}
	tcpLogger.Debugf("authenticated as %q using %v", username, s.authFlow)
	return nil
}

func authPlugin(name string) (string, error) {
	switch name {
	case "mysql_native_password", "mysql_clear_password", "sha256_password", "caching_sha2_password":
		return name, nil
	case "":
		return "mysql_native_password", nil
	}
	return "", errors.NotSupportedf("auth plugin %q", name)
}

// run reads the server's replies to the handshake response until the
// exchange ends.
func (a *authExchange) run() error {
	for {
		p, err := a.s.read()
		if err != nil {
			return err
		}
		if len(p) == 0 {
			return errors.Annotate(ErrMalformedPacket, "empty auth response")
		}
		switch p[0] {
		case okMarker:
			return nil
		case errMarker:
			return decodeErrPacket(p, a.s.hs.capabilityFlags)
		case authMoreDataMarker:
			var amd authMoreData
			if err := amd.decode(newReader(p)); err != nil {
				return err
			}
			return a.moreData(amd.authPluginData)
		case authSwitchMarker:
			if err := a.switchPlugin(p); err != nil {
				return err
			}
		default:
			return errors.Annotatef(ErrMalformedPacket, "auth response marker 0x%02x", p[0])
		}
	}
}

func (a *authExchange) switchPlugin(p []byte) error {
	if a.switched {
		return errors.Annotate(ErrMalformedPacket, "auth switch more than once")
	}
	a.switched = true
	var req authSwitchRequest
	if err := req.decode(newReader(p)); err != nil {
		return err
	}
	a.plugin, a.scramble = req.pluginName, req.authPluginData
	a.s.authFlow = append(a.s.authFlow, a.plugin)
	resp, err := a.s.encryptPassword(a.plugin, a.password, a.scramble)
	if err != nil {
		return err
	}
	return a.s.write(authSwitchResponse{resp})
}

// moreData handles the plugin specific continuation of the exchange.
// Every path ends the exchange.
func (a *authExchange) moreData(data []byte) error {
	switch a.plugin {
	case "caching_sha2_password":
		if len(data) == 0 {
			return nil
		}
		if len(data) != 1 {
			return errors.Annotate(ErrMalformedPacket, "caching_sha2_password status")
		}
		switch data[0] {
		case fastAuthSuccess:
			a.s.authFlow = append(a.s.authFlow, "fastAuthSuccess")
			return a.s.readOkErr()
		case fullAuthNeeded:
			a.s.authFlow = append(a.s.authFlow, "performFullAuthentication")
			return a.fullAuth()
		}
		return errors.Annotatef(ErrMalformedPacket, "caching_sha2_password status %d", data[0])
	case "sha256_password":
		if len(data) == 0 {
			return nil
		}
		pub, err := decodePEM(data)
		if err != nil {
			return err
		}
		a.s.pubKey = pub
		return a.sendEncrypted()
	}
	return nil
}

// fullAuth sends the password in clear over a secure transport, and
// RSA encrypted otherwise.
func (a *authExchange) fullAuth() error {
	switch a.s.conn.(type) {
	case *tls.Conn, *net.UnixConn:
		if err := a.s.write(authSwitchResponse{append(a.password, 0)}); err != nil {
			return err
		}
		return a.s.readOkErr()
	}
	if a.s.pubKey == nil {
		a.s.authFlow = append(a.s.authFlow, "requestPublicKey2")
		if err := a.s.fetchPublicKey(); err != nil {
			return err
		}
	}
	return a.sendEncrypted()
}

func (a *authExchange) sendEncrypted() error {
	resp, err := encryptPasswordPubKey(a.password, a.scramble, a.s.pubKey)
	if err != nil {
		return err
	}
	if err := a.s.write(authSwitchResponse{resp}); err != nil {
		return err
	}
	return a.s.readOkErr()
}

// fetchPublicKey asks the server for its RSA public key.
func (s *session) fetchPublicKey() error {
	if err := s.write(requestPublicKey{}); err != nil {
		return err
	}
	p, err := s.read()
	if err != nil {
		return err
	}
	var amd authMoreData
	if err := amd.decode(newReader(p)); err != nil {
		return err
	}
	pub, err := decodePEM(amd.authPluginData)
	if err != nil {
		return err
	}
	s.pubKey = pub
	return nil
}

// encrypting password ---

// encryptPassword computes the auth response of plugin. An empty
// password gives an empty response, except for sha256_password, which
// sends a single zero byte.
func (s *session) encryptPassword(plugin string, password, scramble []byte) ([]byte, error) {
	switch plugin {
	case "sha256_password":
		if len(password) == 0 {
			return []byte{0}, nil
		}
		if _, ok := s.conn.(*tls.Conn); ok {
			// unix sockets count as insecure here
			return append(password, 0), nil
		}
		if s.pubKey == nil {
			s.authFlow = append(s.authFlow, "requestPublicKey1")
			return []byte{1}, nil
		}
		return encryptPasswordPubKey(password, scramble, s.pubKey)
	case "caching_sha2_password":
		if len(password) == 0 {
			return nil, nil
		}
		if len(scramble) < 20 {
			return nil, errors.Annotate(ErrMalformedPacket, "short scramble")
		}
		// SHA256(password) XOR SHA256(SHA256(SHA256(password)), scramble)
		h := sha256.New()
		x := digest(h, password)
		return xorInto(x, digest(h, digest(h, x), scramble[:20])), nil
	case "mysql_native_password":
		if len(password) == 0 {
			return nil, nil
		}
		if len(scramble) < 20 {
			return nil, errors.Annotate(ErrMalformedPacket, "short scramble")
		}
		// SHA1(password) XOR SHA1(scramble, SHA1(SHA1(password)))
		h := sha1.New()
		x := digest(h, password)
		return xorInto(x, digest(h, scramble[:20], digest(h, x))), nil
	case "mysql_clear_password":
		return append(password, 0), nil
	}
	return nil, errors.NotSupportedf("auth plugin %q", plugin)
}

// digest returns the hash of the concatenated parts.
func digest(h hash.Hash, parts ...[]byte) []byte {
	h.Reset()
	for _, p := range parts {
		h.Write(p)
	}
	return h.Sum(nil)
}

func xorInto(dst, src []byte) []byte {
	for i := range dst {
		dst[i] ^= src[i]
	}
	return dst
}

func decodePEM(pemData []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(pemData)
	if block == nil {
		return nil, errors.NotFoundf("PEM data in server response")
	}
	pkix, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, errors.Trace(err)
	}
	pub, ok := pkix.(*rsa.PublicKey)
	if !ok {
		return nil, errors.NotSupportedf("public key %T", pkix)
	}
	return pub, nil
}

// encryptPasswordPubKey xors the null terminated password with the
// scramble and encrypts it with RSA-OAEP.
func encryptPasswordPubKey(password, scramble []byte, pub *rsa.PublicKey) ([]byte, error) {
	if len(scramble) < 20 {
		return nil, errors.Annotate(ErrMalformedPacket, "short scramble")
	}
	plain := append(append([]byte(nil), password...), 0)
	for i := range plain {
		plain[i] ^= scramble[i%20]
	}
	return rsa.EncryptOAEP(sha1.New(), rand.Reader, pub, plain, nil)
}

// packets ----

const authMoreDataMarker = 0x01

type authMoreData struct {
	authPluginData []byte
}

func (e *authMoreData) decode(r *reader) error {
	header := r.int1()
	if r.err != nil {
		return r.err
	}
	if header != authMoreDataMarker {
		return errors.Annotatef(ErrMalformedPacket, "auth more data header 0x%02x", header)
	}
	e.authPluginData = r.bytesEOF()
	return r.err
}

type authSwitchRequest struct {
	pluginName     string
	authPluginData []byte
}

func (e *authSwitchRequest) decode(r *reader) error {
	header := r.int1()
	if r.err != nil {
		return r.err
	}
	if header != authSwitchMarker {
		return errors.Annotatef(ErrMalformedPacket, "auth switch request header 0x%02x", header)
	}
	e.pluginName = r.stringNull()
	e.authPluginData = r.bytesEOF()
	// the scramble is null terminated
	if n := len(e.authPluginData); n > 0 && e.authPluginData[n-1] == 0 {
		e.authPluginData = e.authPluginData[:n-1]
	}
	return r.err
}

type authSwitchResponse struct {
	authResponse []byte
}

func (e authSwitchResponse) encode(w *writer) error {
	w.Write(e.authResponse)
	return w.err
}

type requestPublicKey struct{}

func (e requestPublicKey) encode(w *writer) error {
	w.int1(2)
	return w.err
}
