package main

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestResolveApp(t *testing.T) {
	cases := map[string]string{
		"微信":       "com.tencent.mm",
		"WeChat":   "com.tencent.mm",
		"  wechat ": "com.tencent.mm",
		"支付宝":      "com.eg.android.AlipayGphone",
		"Settings": "com.android.settings",
	}
	for name, want := range cases {
		pkg, ok := ResolveApp(name)
		if !ok {
			t.Errorf("ResolveApp(%q) not found", name)
			continue
		}
		if pkg != want {
			t.Errorf("ResolveApp(%q) = %q, want %q", name, pkg, want)
		}
	}

	if _, ok := ResolveApp("definitely-not-an-app"); ok {
		t.Error("unknown app should not resolve")
	}
}

func TestSupportedAppsSortedAndResolvable(t *testing.T) {
	apps := SupportedApps()
	if len(apps) == 0 {
		t.Fatal("registry must not be empty")
	}
	for i := 1; i < len(apps); i++ {
		if apps[i-1] > apps[i] {
			t.Fatalf("list not sorted at %d: %q > %q", i, apps[i-1], apps[i])
		}
	}
	for _, name := range apps {
		if _, ok := ResolveApp(name); !ok {
			t.Errorf("listed app %q does not resolve", name)
		}
	}
}

func TestMessagesCoverBothLanguages(t *testing.T) {
	for key := range uiMessages[LangEN] {
		if _, ok := uiMessages[LangCN][key]; !ok {
			t.Errorf("message %q missing in cn", key)
		}
	}
	for key := range uiMessages[LangCN] {
		if _, ok := uiMessages[LangEN][key]; !ok {
			t.Errorf("message %q missing in en", key)
		}
	}

	// Unknown keys fall back rather than going blank.
	if Msg(LangCN, "nonexistent-key") == "" {
		t.Error("Msg must never return an empty string")
	}
}

func TestSystemPromptsDescribeTheProtocol(t *testing.T) {
	for _, lang := range []Language{LangCN, LangEN} {
		prompt := GetSystemPrompt(lang)
		for _, marker := range []string{"<think>", "<answer>", `do(action=`, `finish(message=`} {
			if !strings.Contains(prompt, marker) {
				t.Errorf("%s prompt missing %q", lang, marker)
			}
		}
	}
}

func TestBuildScreenInfo(t *testing.T) {
	info := BuildScreenInfo("com.tencent.mm")
	var decoded map[string]string
	if err := json.Unmarshal([]byte(info), &decoded); err != nil {
		t.Fatalf("screen info is not valid JSON: %v", err)
	}
	if decoded["current_app"] != "com.tencent.mm" {
		t.Errorf("unexpected screen info: %s", info)
	}
}
