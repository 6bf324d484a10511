package findings

// Finding kinds link tool output to the tools that can consume it. They
// are deliberately coarse; a kind names what a finding is, not how bad
// it is.
const (
	KindSubdomain     = "subdomain"
	KindLiveHost      = "live_host"
	KindOpenPort      = "open_port"
	KindTLSEndpoint   = "tls_endpoint"
	KindTechnology    = "technology"
	KindWebPath       = "web_path"
	KindVulnerability = "vulnerability"
	KindSQLInjection  = "sql_injection"
)
