// Package credentials implements the versioned password record stored for
// every account, the key derivation that produces and checks it, and the
// random password generator used by administrative resets.
//
// A V2 record is serialised as
//
//	v2:base64(salt):iterations:base64(verifier)
//
// where verifier = HMAC-SHA256(key=salt, msg=PBKDF2-HMAC-SHA256(password,
// salt, iterations, 32)). V1 records are legacy bcrypt hashes kept verbatim
// until the owner next logs in.
package credentials
