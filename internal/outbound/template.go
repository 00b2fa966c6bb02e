package outbound

import (
	"strconv"
	"strings"

	"brokerdesk/backend/internal/domain"
)

const templateDateLayout = "02/01/2006"

// RenderTemplate 替换消息模板中的占位符。
//
// 支持: {first_name} {last_name} {full_name} {company} {policy_type}
// {policy_number} {valid_from} {valid_to} {premium}。
// policy 为 nil 时保单相关占位符替换为空串。
func RenderTemplate(tpl string, contact *domain.Contact, policy *domain.PolicyInfo) string {
	var pairs []string
	if contact != nil {
		pairs = append(pairs,
			"{first_name}", contact.FirstName,
			"{last_name}", contact.LastName,
			"{full_name}", contact.FullName(),
		)
	}

	var p domain.PolicyInfo
	if policy != nil {
		p = *policy
	}
	var validFrom, validTo, premium string
	if p.ValidFrom != nil {
		validFrom = p.ValidFrom.Format(templateDateLayout)
	}
	if p.ValidTo != nil {
		validTo = p.ValidTo.Format(templateDateLayout)
	}
	if p.Premium != nil {
		premium = strconv.FormatFloat(*p.Premium, 'f', 2, 64)
	}
	pairs = append(pairs,
		"{company}", p.CompanyName,
		"{policy_type}", p.PolicyType,
		"{policy_number}", p.PolicyNumber,
		"{valid_from}", validFrom,
		"{valid_to}", validTo,
		"{premium}", premium,
	)

	return strings.TrimSpace(strings.NewReplacer(pairs...).Replace(tpl))
}
