package oauth2server

// Version of the authorization server, set at build time for releases.
var Version = "0.1.0-dev"
