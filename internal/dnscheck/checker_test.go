package dnscheck

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailforge/backend/internal/config"
	"mailforge/backend/internal/domain"
)

// startServer 启动进程内 DNS 服务器，zone 中的记录按名称与类型应答
func startServer(t *testing.T, zone []string) string {
	t.Helper()

	records := make(map[string][]dns.RR)
	for _, line := range zone {
		rr, err := dns.NewRR(line)
		require.NoError(t, err)
		key := dns.TypeToString[rr.Header().Rrtype] + " " + rr.Header().Name
		records[key] = append(records[key], rr)
	}

	handler := dns.HandlerFunc(func(w dns.ResponseWriter, req *dns.Msg) {
		resp := new(dns.Msg)
		resp.SetReply(req)
		q := req.Question[0]
		answers, ok := records[dns.TypeToString[q.Qtype]+" "+q.Name]
		if !ok {
			resp.Rcode = dns.RcodeNameError
		}
		resp.Answer = answers
		_ = w.WriteMsg(resp)
	})

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	started := make(chan struct{})
	srv := &dns.Server{PacketConn: pc, Handler: handler, NotifyStartedFunc: func() { close(started) }}
	go func() { _ = srv.ActivateAndServe() }()
	<-started
	t.Cleanup(func() { _ = srv.Shutdown() })

	return pc.LocalAddr().String()
}

func testDomain() *domain.MailDomain {
	return &domain.MailDomain{
		Domain:        "example.com",
		MXRecord:      "10 mail.example.com",
		SPFRecord:     "v=spf1 mx a:mail.example.com ~all",
		DKIMSelector:  "mf20260101abcd",
		DKIMPublicKey: "MIGfMA0GCSqGSIb3DQEBAQUAA4GN",
		DMARCRecord:   "v=DMARC1; p=quarantine; rua=mailto:dmarc@example.com; pct=100",
		IsActive:      true,
	}
}

func TestChecker_Check(t *testing.T) {
	ctx := context.Background()

	t.Run("全部已发布", func(t *testing.T) {
		addr := startServer(t, []string{
			`example.com. 300 IN MX 10 mail.example.com.`,
			`example.com. 300 IN TXT "v=spf1 mx a:mail.example.com ~all"`,
			`example.com. 300 IN TXT "google-site-verification=abc"`,
			`mf20260101abcd._domainkey.example.com. 300 IN TXT "v=DKIM1; k=rsa; p=MIGfMA0GCSqGSIb3DQEBAQUAA4GN"`,
			`_dmarc.example.com. 300 IN TXT "v=DMARC1;p=quarantine;rua=mailto:dmarc@example.com;pct=100"`,
		})
		checker := NewChecker(config.DNSConfig{Resolver: addr, Timeout: 2 * time.Second})

		report, err := checker.Check(ctx, testDomain())
		require.NoError(t, err)
		require.Len(t, report.Records, 4)
		for _, r := range report.Records {
			assert.True(t, r.Published, "%s %s", r.Type, r.Name)
		}
		assert.True(t, report.AllPublished)
		assert.Equal(t, []string{"10 mail.example.com"}, report.Records[0].Found)
	})

	t.Run("DKIM缺失", func(t *testing.T) {
		addr := startServer(t, []string{
			`example.com. 300 IN MX 10 mail.example.com.`,
			`example.com. 300 IN TXT "v=spf1 mx a:mail.example.com ~all"`,
			`_dmarc.example.com. 300 IN TXT "v=DMARC1; p=quarantine; rua=mailto:dmarc@example.com; pct=100"`,
		})
		checker := NewChecker(config.DNSConfig{Resolver: addr, Timeout: 2 * time.Second})

		report, err := checker.Check(ctx, testDomain())
		require.NoError(t, err)
		assert.False(t, report.AllPublished)
		assert.False(t, report.Records[2].Published)
		assert.Equal(t, ErrNoAnswer.Error(), report.Records[2].Error)
		assert.True(t, report.Records[3].Published)
	})

	t.Run("MX按优先级排序", func(t *testing.T) {
		addr := startServer(t, []string{
			`example.org. 300 IN MX 20 backup.example.org.`,
			`example.org. 300 IN MX 5 primary.example.org.`,
		})
		checker := NewChecker(config.DNSConfig{Resolver: addr, Timeout: 2 * time.Second})

		mxs, err := checker.LookupMX(ctx, "example.org")
		require.NoError(t, err)
		require.Len(t, mxs, 2)
		assert.Equal(t, "primary.example.org", mxs[0].Host)
		assert.Equal(t, uint16(5), mxs[0].Preference)
	})
}
