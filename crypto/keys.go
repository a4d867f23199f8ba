// SPDX-FileCopyrightText: Copyright (C) 2025 The Detour Authors
// SPDX-License-Identifier: AGPL-3.0-only

package crypto

// DefaultPublicKeyPEM is the relay public key compiled into the client.
// Deployments replace it at build time; the paired private key is held only
// by the authentication server.
var DefaultPublicKeyPEM = []byte(`-----BEGIN PUBLIC KEY-----
MIIBIjANBgkqhkiG9w0BAQEFAAOCAQ8AMIIBCgKCAQEAylp+kNXTegneeUthiroa
Qv+CCp44dSMEm5USBVkQI33WlGLo6a6ztAZIOvpqnWwb27Rh8GfPDV3/EsDja0ss
t6nYXyEGhOn+NwarpvnFgdyMJRu7/2wKd3CbhUF6K5rD7uhgJqRrYwfOK+se/6iV
A71//pCwNJv+XD6+mYjDEMIHih96NtsnDNgf7tsnfh7lUhkLRSrYxcwCI75ZW/nY
+R1YzLw9M9JuhE1V55xdtDT/le5QvxD438M7dtc/L+C+u8CQ3pJl6dYZNdOaZRj1
6+M6ne1Jkih78wPDEwy2975mOv+Y4BfmG8P8RRsZrp5CTekuXjslDmqlMpqchoo0
swIDAQAB
-----END PUBLIC KEY-----
`)
