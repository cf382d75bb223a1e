package dnsverify

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/acm"
	acmtypes "github.com/aws/aws-sdk-go-v2/service/acm/types"
	"github.com/aws/aws-sdk-go-v2/service/cloudfront"
	cftypes "github.com/aws/aws-sdk-go-v2/service/cloudfront/types"
	"github.com/google/uuid"

	"github.com/opticdata/opticdata/internal/pkg/logger"
)

// CDNProvisioner puts a CloudFront distribution with an ACM certificate in
// front of the event endpoint for a verified custom domain, so the pixel can
// serve first-party over HTTPS. It is optional: with no AWS credentials the
// challenge service alone completes verification and the domain is served
// directly by the pixel server.
type CDNProvisioner struct {
	db           *sql.DB
	acmClient    *acm.Client
	cfClient     *cloudfront.Client
	originDomain string // platform event endpoint the distribution fronts
}

// NewCDNProvisioner builds a provisioner using the default AWS credential
// chain. ACM certificates for CloudFront must live in us-east-1.
func NewCDNProvisioner(ctx context.Context, db *sql.DB, originDomain string) (*CDNProvisioner, error) {
	usEast1, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion("us-east-1"))
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	return &CDNProvisioner{
		db:           db,
		acmClient:    acm.NewFromConfig(usEast1),
		cfClient:     cloudfront.NewFromConfig(usEast1),
		originDomain: originDomain,
	}, nil
}

// SetClients replaces the AWS clients (for tests).
func (p *CDNProvisioner) SetClients(acmClient *acm.Client, cfClient *cloudfront.Client) {
	p.acmClient = acmClient
	p.cfClient = cfClient
}

// ValidationRecord is the DNS record ACM requires to validate the cert.
type ValidationRecord struct {
	Name  string `json:"name"`
	Type  string `json:"type"`
	Value string `json:"value"`
}

// Provision requests a certificate for the domain and stores its ARN on the
// site. The returned validation record must be created by the tenant before
// the certificate can be issued; FinishProvision is polled afterwards.
func (p *CDNProvisioner) Provision(ctx context.Context, siteID, domain string) (*ValidationRecord, error) {
	out, err := p.acmClient.RequestCertificate(ctx, &acm.RequestCertificateInput{
		DomainName:       aws.String(domain),
		ValidationMethod: acmtypes.ValidationMethodDns,
		Tags: []acmtypes.Tag{
			{Key: aws.String("SiteID"), Value: aws.String(siteID)},
			{Key: aws.String("ManagedBy"), Value: aws.String("opticdata")},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("requesting ACM certificate: %w", err)
	}
	certARN := aws.ToString(out.CertificateArn)

	_, err = p.db.ExecContext(ctx, `
		UPDATE sites SET cdn_cert_arn = $1, cdn_status = 'validating', updated_at = NOW() WHERE id = $2
	`, certARN, siteID)
	if err != nil {
		return nil, fmt.Errorf("storing certificate ARN: %w", err)
	}

	desc, err := p.acmClient.DescribeCertificate(ctx, &acm.DescribeCertificateInput{
		CertificateArn: aws.String(certARN),
	})
	if err != nil {
		return nil, fmt.Errorf("describing certificate: %w", err)
	}
	for _, opt := range desc.Certificate.DomainValidationOptions {
		if opt.ResourceRecord != nil {
			return &ValidationRecord{
				Name:  aws.ToString(opt.ResourceRecord.Name),
				Type:  string(opt.ResourceRecord.Type),
				Value: aws.ToString(opt.ResourceRecord.Value),
			}, nil
		}
	}
	// ACM can lag populating validation options right after the request.
	return nil, nil
}

// FinishProvision checks the certificate and, once issued, creates the
// CloudFront distribution. Safe to call repeatedly; it advances one step per
// call and records progress on the site row.
func (p *CDNProvisioner) FinishProvision(ctx context.Context, siteID string) (string, error) {
	var domain, certARN, distID sql.NullString
	err := p.db.QueryRowContext(ctx, `
		SELECT custom_domain, cdn_cert_arn, cdn_distribution_id FROM sites WHERE id = $1
	`, siteID).Scan(&domain, &certARN, &distID)
	if err == sql.ErrNoRows {
		return "", ErrSiteNotFound
	}
	if err != nil {
		return "", fmt.Errorf("loading site: %w", err)
	}
	if !certARN.Valid || certARN.String == "" {
		return "none", nil
	}

	if distID.Valid && distID.String != "" {
		status, err := p.distributionStatus(ctx, distID.String)
		if err != nil {
			return "", err
		}
		if status == "Deployed" {
			p.setStatus(ctx, siteID, "active")
			return "active", nil
		}
		return "deploying", nil
	}

	certStatus, err := p.certificateStatus(ctx, certARN.String)
	if err != nil {
		return "", err
	}
	switch certStatus {
	case "ISSUED":
	case "FAILED", "VALIDATION_TIMED_OUT":
		p.setStatus(ctx, siteID, "failed")
		return "failed", nil
	default:
		return "validating", nil
	}

	id, cfDomain, err := p.createDistribution(ctx, domain.String, certARN.String)
	if err != nil {
		p.setStatus(ctx, siteID, "failed")
		return "", err
	}
	_, err = p.db.ExecContext(ctx, `
		UPDATE sites SET cdn_distribution_id = $1, cdn_domain = $2, cdn_status = 'deploying', updated_at = NOW() WHERE id = $3
	`, id, cfDomain, siteID)
	if err != nil {
		return "", fmt.Errorf("storing distribution: %w", err)
	}
	logger.Info("cdn distribution created", "site_id", siteID, "distribution_id", id)
	return "deploying", nil
}

func (p *CDNProvisioner) setStatus(ctx context.Context, siteID, status string) {
	if _, err := p.db.ExecContext(ctx, `
		UPDATE sites SET cdn_status = $1, updated_at = NOW() WHERE id = $2
	`, status, siteID); err != nil {
		logger.Warn("failed to update cdn status", "site_id", siteID, "error", err)
	}
}

func (p *CDNProvisioner) certificateStatus(ctx context.Context, certARN string) (string, error) {
	out, err := p.acmClient.DescribeCertificate(ctx, &acm.DescribeCertificateInput{
		CertificateArn: aws.String(certARN),
	})
	if err != nil {
		return "", fmt.Errorf("describing certificate: %w", err)
	}
	return string(out.Certificate.Status), nil
}

func (p *CDNProvisioner) distributionStatus(ctx context.Context, id string) (string, error) {
	out, err := p.cfClient.GetDistribution(ctx, &cloudfront.GetDistributionInput{Id: aws.String(id)})
	if err != nil {
		return "", fmt.Errorf("getting distribution: %w", err)
	}
	return aws.ToString(out.Distribution.Status), nil
}

// createDistribution creates a pass-through HTTPS distribution for the custom
// domain with the event endpoint as its only origin. Caching is disabled:
// every /t/* request must reach the origin.
func (p *CDNProvisioner) createDistribution(ctx context.Context, domain, certARN string) (string, string, error) {
	originID := "opticdata-origin"
	input := &cloudfront.CreateDistributionInput{
		DistributionConfig: &cftypes.DistributionConfig{
			CallerReference: aws.String(uuid.New().String()),
			Comment:         aws.String("opticdata first-party pixel for " + domain),
			Enabled:         aws.Bool(true),
			Aliases: &cftypes.Aliases{
				Quantity: aws.Int32(1),
				Items:    []string{domain},
			},
			Origins: &cftypes.Origins{
				Quantity: aws.Int32(1),
				Items: []cftypes.Origin{{
					Id:         aws.String(originID),
					DomainName: aws.String(p.originDomain),
					CustomOriginConfig: &cftypes.CustomOriginConfig{
						HTTPPort:             aws.Int32(80),
						HTTPSPort:            aws.Int32(443),
						OriginProtocolPolicy: cftypes.OriginProtocolPolicyHttpsOnly,
					},
				}},
			},
			DefaultCacheBehavior: &cftypes.DefaultCacheBehavior{
				TargetOriginId:       aws.String(originID),
				ViewerProtocolPolicy: cftypes.ViewerProtocolPolicyRedirectToHttps,
				AllowedMethods: &cftypes.AllowedMethods{
					Quantity: aws.Int32(7),
					Items: []cftypes.Method{
						cftypes.MethodGet, cftypes.MethodHead, cftypes.MethodOptions,
						cftypes.MethodPut, cftypes.MethodPost, cftypes.MethodPatch, cftypes.MethodDelete,
					},
				},
				// CachingDisabled managed policy
				CachePolicyId: aws.String("4135ea2d-6df8-44a3-9df3-4b5a84be39ad"),
			},
			ViewerCertificate: &cftypes.ViewerCertificate{
				ACMCertificateArn:      aws.String(certARN),
				SSLSupportMethod:       cftypes.SSLSupportMethodSniOnly,
				MinimumProtocolVersion: cftypes.MinimumProtocolVersionTLSv122021,
			},
		},
	}

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	out, err := p.cfClient.CreateDistribution(ctx, input)
	if err != nil {
		return "", "", fmt.Errorf("creating distribution: %w", err)
	}
	return aws.ToString(out.Distribution.Id), aws.ToString(out.Distribution.DomainName), nil
}
