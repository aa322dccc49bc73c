/*
Package security implements credential generation, hashing, and
verification for distbuild consumers.

Admin-issued tokens have the form "kid_<10 random bytes>.db_<32 random
bytes>", URL-safe base64 encoded. The coordinator stores only the key_id
plus a PBKDF2-HMAC-SHA256 salt and digest of the secret half; the plaintext
secret is shown to the operator once, at creation or rotation, and never
persisted.

Verification uses a constant-time digest comparison so that a timing
difference between a correct and incorrect secret can't leak information
about the stored digest.
*/
package security
