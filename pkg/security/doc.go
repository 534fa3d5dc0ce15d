/*
Package security implements Conflux's mTLS peer-transport supplement: a
Certificate Authority that issues and verifies node and client
certificates for pkg/rpc, plus certificate lifecycle helpers (save/load,
rotation checks, chain validation).

# Certificate Authority

The CA is a single self-signed root, generated once per cluster and
persisted (encrypted) in pkg/storage under FamilyMeta:

	Root CA (self-signed)
	├── 10-year validity
	├── RSA 4096-bit key
	├── KeyUsage: CertSign, CRLSign
	└── Subject: CN=Conflux Root CA, O=Conflux Cluster

Node and CLI certificates are issued from the root for mutual TLS:

	Node Certificate                    Client Certificate
	├── 90-day validity                 ├── 90-day validity
	├── RSA 2048-bit key                ├── RSA 2048-bit key
	├── ExtKeyUsage: Server+ClientAuth  ├── ExtKeyUsage: ClientAuth
	└── CN={role}-{nodeID}              └── CN=cli-{clientID}

Issued certificates are kept in an in-memory LRU by ID (GetCachedCert);
the issue functions do not consult it. Reuse across startups comes from
the on-disk cert cache in certs.go (LoadOrIssueNodeTLSConfig).

# At-rest protection

The CA's own root private key is the only thing this package encrypts at
rest (atrest.go); it is not a general secrets store — SetAtRestKey must
be called once at startup with a 32-byte key before SaveToStore or
LoadFromStore touch the root key.

# Usage

	store, _ := storage.Open(dataDir)
	security.SetAtRestKey(clusterKey)

	ca := security.NewCertAuthority(store)
	if err := ca.LoadFromStore(); err != nil {
		ca.Initialize()
		ca.SaveToStore()
	}

	cert, _ := ca.IssueNodeCertificate(nodeID, "voter", dnsNames, ips)
	creds := credentials.NewTLS(&tls.Config{
		Certificates: []tls.Certificate{*cert},
		ClientAuth:   tls.RequireAndVerifyClientCert,
	})
*/
package security
