// Package model 定义核心数据模型
//
// subject.go 包含商机（Subject）相关的输入模型：
//   - SubjectProfile：触发扫描时提交的商机画像
//
// SubjectProfile 是扫描计划的唯一输入：相同画像生成相同的
// 阶段计划（规划是确定性的纯函数）。
package model

// SubjectProfile 商机画像
//
// 由触发方（应用层）在创建扫描时提交，经过校验后冻结：
// 扫描过程中不会再读取应用层数据。
type SubjectProfile struct {
	// SubjectID 商机唯一标识
	SubjectID string `json:"subject_id"`

	// CompanyName 公司名称
	CompanyName string `json:"company_name"`

	// WebsiteURL 待分析站点地址
	WebsiteURL string `json:"website_url"`

	// Industry 行业分类（可选）
	Industry string `json:"industry,omitempty"`

	// HasMobileApp 是否有移动端产品
	HasMobileApp bool `json:"has_mobile_app,omitempty"`

	// BudgetHint 预算区间提示（可选，影响成本评估阶段）
	BudgetHint string `json:"budget_hint,omitempty"`

	// RequireAccessibility 是否要求无障碍审计
	RequireAccessibility bool `json:"require_accessibility,omitempty"`
}

// Validate 校验画像的必填字段
// 返回首个缺失字段的名称；全部合法时返回空串
func (p *SubjectProfile) Validate() string {
	if p.SubjectID == "" {
		return "subject_id"
	}
	if p.CompanyName == "" {
		return "company_name"
	}
	if p.WebsiteURL == "" {
		return "website_url"
	}
	return ""
}
