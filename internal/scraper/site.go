package scraper

// Site describes the portal's pages: where to start and how to recognise
// each control.
type Site struct {
	TopURL string

	LoginLink      ElementQuery
	UserField      string // input name
	PasswordField  string // input name
	LoginButton    ElementQuery
	LoggedInMarker ElementQuery

	SearchCriteriaLink ElementQuery
	AllScopeRadio      ElementQuery
	SaveButton         ElementQuery // clicked when present
	SearchButton       ElementQuery
	ResultsReady       string // script, truthy once the results page is usable

	ExportLink ElementQuery
}

// ETCMeisai is the ETC usage statement portal.
func ETCMeisai() Site {
	return Site{
		TopURL: "https://www.etc-meisai.jp/",

		LoginLink: ElementQuery{
			Tags:  []string{"a"},
			Attrs: []AttrMatch{{Name: "href", Value: "funccode=1013000000"}},
		},
		UserField:     "risLoginId",
		PasswordField: "risPassword",
		LoginButton: ElementQuery{
			Tags:  []string{"input"},
			Attrs: []AttrMatch{{Name: "type", Value: "button", Exact: true}, {Name: "value", Value: "ログイン", Exact: true}},
		},
		LoggedInMarker: ElementQuery{
			Tags:  []string{"a"},
			AnyOf: []string{"検索条件の指定", "ログアウト"},
		},

		SearchCriteriaLink: ElementQuery{
			Tags:     []string{"a", "button", "input"},
			Contains: []string{"検索条件の指定"},
		},
		AllScopeRadio: ElementQuery{
			Tags:  []string{"input"},
			Attrs: []AttrMatch{{Name: "name", Value: "sokoKbn", Exact: true}, {Name: "value", Value: "0", Exact: true}},
		},
		SaveButton: ElementQuery{
			Tags:  []string{"input"},
			Attrs: []AttrMatch{{Name: "name", Value: "focusTarget_Save", Exact: true}},
		},
		SearchButton: ElementQuery{
			Tags:  []string{"input"},
			Attrs: []AttrMatch{{Name: "name", Value: "focusTarget", Exact: true}},
		},
		ResultsReady: "(typeof goOutput === 'function' && typeof submitOpenPage === 'function')",

		ExportLink: ElementQuery{
			Tags:     []string{"a"},
			Contains: []string{"明細"},
			AnyOf:    []string{"CSV", "ＣＳＶ"},
		},
	}
}
