package main

import "crypto/tls"

// loadTLSConfig builds the *tls.Config Config.Credentials expects from a
// certificate/key pair on disk, for both SecureConnection and STARTTLS.
func loadTLSConfig(certFile, keyFile string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, err
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}}, nil
}
